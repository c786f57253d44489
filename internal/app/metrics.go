// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"bytes"
	"context"
	"fmt"

	hertzapp "github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"docflow/pkg/log"
	"docflow/pkg/metrics"
)

// MetricsServer worker 进程的 Prometheus 抓取端点
type MetricsServer struct {
	h      *server.Hertz
	logger *log.Logger
}

// NewMetricsServer 在 port 上暴露 /metrics
func NewMetricsServer(port int, logger *log.Logger) *MetricsServer {
	h := server.New(server.WithHostPorts(fmt.Sprintf(":%d", port)))
	h.GET("/metrics", func(ctx context.Context, c *hertzapp.RequestContext) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			c.String(consts.StatusInternalServerError, err.Error())
			return
		}
		c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
	})
	return &MetricsServer{h: h, logger: logger}
}

// Start 后台运行
func (m *MetricsServer) Start() {
	go func() {
		if err := m.h.Run(); err != nil {
			m.logger.Warn("metrics 服务退出", "error", err)
		}
	}()
}

// Shutdown 停止服务
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.h.Shutdown(ctx)
}
