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
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"
)

var upgrader = websocket.HertzUpgrader{
	CheckOrigin: func(c *app.RequestContext) bool { return true },
}

// WebSocket 升级连接并交给通知中心
// GET /ws/:client_id
func (h *Handler) WebSocket(ctx context.Context, c *app.RequestContext) {
	clientID := c.Param("client_id")
	if h.hub == nil || clientID == "" {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "通知服务不可用"})
		return
	}
	// 升级后的读循环比请求生命周期长，连接由 Hub.Close 统一关闭
	wsCtx := context.WithoutCancel(ctx)
	err := upgrader.Upgrade(c, func(conn *websocket.Conn) {
		h.logger.Info("websocket 已连接", "client_id", clientID)
		h.hub.Serve(wsCtx, clientID, conn)
		h.logger.Info("websocket 已断开", "client_id", clientID)
	})
	if err != nil {
		h.logger.Warn("websocket 升级失败", "client_id", clientID, "error", err)
	}
}
