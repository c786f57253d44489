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
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
)

// AMQPConfig AMQP 连接参数
type AMQPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ConsumerTag    string
}

// AMQPBroker RabbitMQ 实现；一个进程一条连接
type AMQPBroker struct {
	cfg    AMQPConfig
	topo   Topology
	logger *log.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// NewAMQPBroker 创建 AMQP broker，需调用 Connect
func NewAMQPBroker(cfg AMQPConfig, topo Topology, logger *log.Logger) *AMQPBroker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &AMQPBroker{cfg: cfg, topo: topo, logger: logger}
}

// Connect 实现 Broker
func (b *AMQPBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		if b.pubCh != nil && !b.pubCh.IsClosed() {
			return nil
		}
		_ = b.conn.Close()
	}
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(b.cfg.ConnectTimeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": b.cfg.ConsumerTag},
	})
	if err != nil {
		return pkgerrors.Transport(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return pkgerrors.Transport(err, "amqp channel")
	}
	if err := declareTopology(ch, b.topo); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return pkgerrors.Transport(err, "amqp declare topology")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return pkgerrors.Transport(err, "amqp confirm mode")
	}
	b.conn, b.pubCh = conn, ch
	b.logger.Info("AMQP 已连接", "exchange", b.topo.Exchange, "queues", len(b.topo.Queues))
	return nil
}

func declareTopology(ch *amqp.Channel, topo Topology) error {
	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.Exchange, err)
	}
	if err := ch.ExchangeDeclare(topo.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.DeadLetterExchange, err)
	}
	for _, q := range topo.Queues {
		if _, err := ch.QueueDeclare(q.DLQName, true, false, false, false, amqp.Table{
			"x-message-ttl": q.DLQTTL.Milliseconds(),
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.DLQName, err)
		}
		if err := ch.QueueBind(q.DLQName, q.DeadLetterKey, topo.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.DLQName, err)
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, amqp.Table{
			"x-message-ttl":             q.MessageTTL.Milliseconds(),
			"x-dead-letter-exchange":    topo.DeadLetterExchange,
			"x-dead-letter-routing-key": q.DeadLetterKey,
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		for _, key := range q.Bindings {
			if err := ch.QueueBind(q.Name, key, topo.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.Name, key, err)
			}
		}
	}
	return nil
}

// Publish 实现 Broker：持久化消息，等待 publisher confirm
func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		// 连接断开后尝试重连一次
		if err := b.Connect(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		ch = b.pubCh
		b.mu.Unlock()
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.topo.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		return pkgerrors.Transport(err, "amqp publish")
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return pkgerrors.Transport(err, "amqp publish confirm")
	}
	if !ok {
		return pkgerrors.Transport(fmt.Errorf("nack from broker"), "amqp publish confirm")
	}
	return nil
}

// Consume 实现 Broker：每个消费者独立 channel，Qos(prefetch=1)，手动确认
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, pkgerrors.Transport(err, "amqp qos")
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, pkgerrors.Transport(err, "amqp consume")
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		// channel 关闭时未确认的消息由 broker 重新投递
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				m := Message{
					RoutingKey:  d.RoutingKey,
					Queue:       queue,
					Body:        d.Body,
					MessageID:   d.MessageId,
					ContentType: d.ContentType,
					Timestamp:   d.Timestamp,
					Redelivered: d.Redelivered,
				}
				dv := NewDelivery(m,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- dv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribe 实现 Broker：独占、自动删除的临时队列，自动确认
func (b *AMQPBroker) Subscribe(ctx context.Context, routingKey string) (<-chan Message, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, pkgerrors.Transport(err, "amqp declare temp queue")
	}
	if err := ch.QueueBind(q.Name, routingKey, b.topo.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, pkgerrors.Transport(err, "amqp bind temp queue")
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, pkgerrors.Transport(err, "amqp subscribe")
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Message{RoutingKey: d.RoutingKey, Body: d.Body, MessageID: d.MessageId, Timestamp: d.Timestamp}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, pkgerrors.Transport(ErrClosed, "amqp channel")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, pkgerrors.Transport(err, "amqp channel")
	}
	return ch, nil
}

// Close 实现 Broker
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	err := b.conn.Close()
	b.conn, b.pubCh = nil, nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}
