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

package notify

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
)

// 入站消息类型
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Inbound 客户端消息
type Inbound struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// Ack subscribed / unsubscribed / pong
type Ack struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HandleMessage 处理一条客户端消息；无法识别的消息忽略，不断开连接
func (h *Hub) HandleMessage(clientID string, data []byte) {
	var in Inbound
	if err := sonic.Unmarshal(data, &in); err != nil {
		h.logger.Debug("忽略无法解析的客户端消息", "client_id", clientID, "error", err)
		return
	}
	switch in.Type {
	case MsgSubscribe:
		if in.TaskID == "" {
			return
		}
		if err := h.SendTo(clientID, Ack{Type: TypeSubscribed, TaskID: in.TaskID}); err != nil {
			return
		}
		h.Subscribe(clientID, in.TaskID)
	case MsgUnsubscribe:
		h.Unsubscribe(clientID, in.TaskID)
		_ = h.SendTo(clientID, Ack{Type: TypeUnsubscribed, TaskID: in.TaskID})
	case MsgPing:
		_ = h.SendTo(clientID, Ack{Type: TypePong, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	default:
		h.logger.Debug("忽略未知消息类型", "client_id", clientID, "type", in.Type)
	}
}

// Serve 登记连接并读取消息直到连接关闭或 ctx 结束
func (h *Hub) Serve(ctx context.Context, clientID string, conn Conn) {
	c := h.connect(clientID, conn)
	defer h.remove(clientID, c)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.HandleMessage(clientID, data)
	}
}
