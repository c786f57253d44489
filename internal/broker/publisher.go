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

package broker

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"docflow/pkg/log"
	"docflow/pkg/metrics"
)

// Publisher 包装 broker 连接：序列化 payload 并以持久化消息发布
type Publisher struct {
	broker  Broker
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewPublisher 创建 Publisher；timeout<=0 时默认 3s
func NewPublisher(b Broker, logger *log.Logger, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Publisher{broker: b, logger: logger, timeout: timeout, now: time.Now}
}

// Connect 建立连接并声明 exchange 与队列
func (p *Publisher) Connect(ctx context.Context) error {
	return p.broker.Connect(ctx)
}

// Publish 发布 payload，传输失败时返回 false 而不是错误，调用方据此返回 5xx
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) bool {
	body, err := sonic.Marshal(payload)
	if err != nil {
		p.logger.Error("序列化消息失败", "routing_key", routingKey, "error", err)
		metrics.PublishTotal.WithLabelValues(routingKey, "error").Inc()
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg := Message{
		RoutingKey:  routingKey,
		Body:        body,
		MessageID:   uuid.NewString(),
		ContentType: "application/json",
		Timestamp:   p.now(),
	}
	if err := p.broker.Publish(ctx, msg); err != nil {
		p.logger.Error("发布消息失败", "routing_key", routingKey, "error", err)
		metrics.PublishTotal.WithLabelValues(routingKey, "error").Inc()
		return false
	}
	metrics.PublishTotal.WithLabelValues(routingKey, "ok").Inc()
	p.logger.Debug("消息已发布", "routing_key", routingKey, "message_id", msg.MessageID)
	return true
}

// Close 断开连接
func (p *Publisher) Close() error {
	return p.broker.Close()
}
