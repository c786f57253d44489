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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"docflow/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	maxBodyMB  int
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw, maxBodyMB: 100}
}

// SetMaxUploadMB 设置请求体上限（MB），<=0 时保持默认
func (r *Router) SetMaxUploadMB(mb int) {
	if mb > 0 {
		r.maxBodyMB = mb
	}
}

// Build 构建 Hertz 服务并注册全部路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	base := []config.Option{
		server.WithHostPorts(addr),
		server.WithMaxRequestBodySize(r.maxBodyMB << 20),
	}
	h := server.New(append(base, opts...)...)
	h.Use(r.middleware.Recovery(), r.middleware.AccessLog(), r.middleware.CORS())

	h.GET("/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)
	h.GET("/ws/:client_id", r.handler.WebSocket)

	limited := h.Group("/", r.middleware.RateLimit())
	limited.POST("/select-file", r.handler.SelectFile)
	limited.POST("/select-folder", r.handler.SelectFolder)
	limited.GET("/task-status/:id", r.handler.TaskStatus)
	limited.DELETE("/task-cancel/:id", r.handler.CancelTask)
	limited.POST("/tasks-cancel-batch", r.handler.CancelBatch)
	limited.POST("/message", r.handler.Message)
	limited.GET("/tasks/active", r.handler.ActiveTasks)
	limited.POST("/broadcast", r.handler.Broadcast)
	return h
}
