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

// Package broker 消息代理：topic exchange、每个消费者一条队列、基于 TTL 的死信路由
package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// 拓扑常量
const (
	ExchangeDocuments  = "documents.events"
	DeadLetterExchange = "dlx"

	RoutingFileProcess      = "file.process"
	RoutingFolderProcess    = "folder.process"
	RoutingEmbeddingProcess = "embedding.process"
	// RoutingRevoke 取消广播，每个 worker 用临时队列订阅
	RoutingRevoke = "control.revoke"

	QueueDocumentProcessor  = "document_processor_queue"
	QueueEmbeddingProcessor = "embedding_processor_queue"

	// Prefetch 每个消费者同一时刻最多持有一条未确认消息
	Prefetch = 1

	DefaultMessageTTL = 60 * time.Second
	DefaultDLQTTL     = 24 * time.Hour
)

// ErrClosed broker 已关闭
var ErrClosed = errors.New("broker: closed")

// QueueSpec 消费队列及其死信队列声明
type QueueSpec struct {
	Name          string
	Bindings      []string
	MessageTTL    time.Duration
	DeadLetterKey string
	DLQName       string
	DLQTTL        time.Duration
}

// Topology exchange 与队列声明
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	Queues             []QueueSpec
}

// DefaultTopology 文档与 embedding 两条消费队列
func DefaultTopology(messageTTL, dlqTTL time.Duration) Topology {
	if messageTTL <= 0 {
		messageTTL = DefaultMessageTTL
	}
	if dlqTTL <= 0 {
		dlqTTL = DefaultDLQTTL
	}
	return Topology{
		Exchange:           ExchangeDocuments,
		DeadLetterExchange: DeadLetterExchange,
		Queues: []QueueSpec{
			{
				Name:          QueueDocumentProcessor,
				Bindings:      []string{RoutingFileProcess, RoutingFolderProcess},
				MessageTTL:    messageTTL,
				DeadLetterKey: "dlq.document_processor",
				DLQName:       "dlq.document_processor",
				DLQTTL:        dlqTTL,
			},
			{
				Name:          QueueEmbeddingProcessor,
				Bindings:      []string{RoutingEmbeddingProcess},
				MessageTTL:    messageTTL,
				DeadLetterKey: "dlq.embedding_processor",
				DLQName:       "dlq.embedding_processor",
				DLQTTL:        dlqTTL,
			},
		},
	}
}

// Queue 按名称查找队列声明
func (t Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// Message 一条待发布或已投递的消息
type Message struct {
	RoutingKey  string
	Queue       string
	Body        []byte
	MessageID   string
	ContentType string
	Timestamp   time.Time
	Redelivered bool
}

// Delivery 已投递、等待确认的消息；Ack/Nack 只有第一次调用生效
type Delivery struct {
	Message
	ack  func() error
	nack func(requeue bool) error
	done *atomic.Bool
}

// NewDelivery 由传输层构造 Delivery
func NewDelivery(m Message, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Message: m, ack: ack, nack: nack, done: new(atomic.Bool)}
}

// Ack 确认消息
func (d Delivery) Ack() error {
	if d.done == nil || !d.done.CompareAndSwap(false, true) {
		return nil
	}
	return d.ack()
}

// Nack 拒绝消息；requeue=false 时进入死信队列
func (d Delivery) Nack(requeue bool) error {
	if d.done == nil || !d.done.CompareAndSwap(false, true) {
		return nil
	}
	return d.nack(requeue)
}

// Settled 是否已 Ack/Nack
func (d Delivery) Settled() bool {
	return d.done != nil && d.done.Load()
}

// Broker 传输层抽象：AMQP 与内存实现
type Broker interface {
	// Connect 建立连接并声明拓扑
	Connect(ctx context.Context) error
	// Publish 以持久化方式发布到主 exchange
	Publish(ctx context.Context, msg Message) error
	// Consume 以 prefetch=1、手动确认的方式消费队列，ctx 结束时停止
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Subscribe 为 routingKey 建立临时自动确认队列（广播控制消息）
	Subscribe(ctx context.Context, routingKey string) (<-chan Message, error)
	Close() error
}
