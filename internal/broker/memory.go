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

	pkgerrors "docflow/pkg/errors"
)

// MemoryBroker 进程内实现，语义对齐 AMQP：topic 路由、prefetch=1、手动确认、
// 队列 TTL 过期与 nack(requeue=false) 进入死信队列、消费者退出时未确认消息重新投递
type MemoryBroker struct {
	mu       sync.Mutex
	topo     Topology
	queues   map[string]*memQueue
	bindings map[string][]memBinding
	subs     map[*memSub]struct{}

	connected  bool
	closed     bool
	publishErr error

	now   func() time.Time
	sweep time.Duration
}

type memBinding struct {
	pattern string
	queue   string
}

type memEntry struct {
	msg      Message
	enqueued time.Time
}

type memQueue struct {
	name  string
	ttl   time.Duration
	dlx   string
	dlKey string
	ready []memEntry
	wake  chan struct{}
}

type memSub struct {
	pattern string
	ch      chan Message
}

// MemoryOption MemoryBroker 选项
type MemoryOption func(*MemoryBroker)

// WithMemoryClock 替换时钟（测试 TTL 用）
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithSweepInterval 消费者等待期间检查 TTL 的间隔
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if d > 0 {
			b.sweep = d
		}
	}
}

// NewMemoryBroker 创建内存 broker
func NewMemoryBroker(topo Topology, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		topo:     topo,
		queues:   make(map[string]*memQueue),
		bindings: make(map[string][]memBinding),
		subs:     make(map[*memSub]struct{}),
		now:      time.Now,
		sweep:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect 实现 Broker：声明拓扑，可重复调用
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pkgerrors.Transport(ErrClosed, "memory broker connect")
	}
	if b.connected {
		return nil
	}
	for _, q := range b.topo.Queues {
		b.declare(q.DLQName, q.DLQTTL, "", "")
		b.bind(b.topo.DeadLetterExchange, q.DeadLetterKey, q.DLQName)
		b.declare(q.Name, q.MessageTTL, b.topo.DeadLetterExchange, q.DeadLetterKey)
		for _, key := range q.Bindings {
			b.bind(b.topo.Exchange, key, q.Name)
		}
	}
	b.connected = true
	return nil
}

func (b *MemoryBroker) declare(name string, ttl time.Duration, dlx, dlKey string) {
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &memQueue{name: name, ttl: ttl, dlx: dlx, dlKey: dlKey, wake: make(chan struct{})}
}

func (b *MemoryBroker) bind(exchange, pattern, queue string) {
	b.bindings[exchange] = append(b.bindings[exchange], memBinding{pattern: pattern, queue: queue})
}

// FailPublish 之后的 Publish 返回 err（nil 恢复），模拟传输故障
func (b *MemoryBroker) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Publish 实现 Broker
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return pkgerrors.Transport(err, "memory broker publish")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.connected {
		return pkgerrors.Transport(ErrClosed, "memory broker publish")
	}
	if b.publishErr != nil {
		return pkgerrors.Transport(b.publishErr, "memory broker publish")
	}
	msg.Body = append([]byte(nil), msg.Body...)
	b.route(b.topo.Exchange, msg)
	for s := range b.subs {
		if MatchTopic(s.pattern, msg.RoutingKey) {
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (b *MemoryBroker) route(exchange string, msg Message) {
	now := b.now()
	for _, bd := range b.bindings[exchange] {
		if !MatchTopic(bd.pattern, msg.RoutingKey) {
			continue
		}
		q := b.queues[bd.queue]
		m := msg
		m.Queue = q.name
		m.Redelivered = false
		q.ready = append(q.ready, memEntry{msg: m, enqueued: now})
		q.broadcast()
	}
}

func (b *MemoryBroker) deadLetter(q *memQueue, msg Message) {
	if q.dlx == "" {
		return
	}
	msg.RoutingKey = q.dlKey
	b.route(q.dlx, msg)
}

// expire 将超过 TTL 仍未被取走的消息转入死信
func (b *MemoryBroker) expire(q *memQueue) {
	if q.ttl <= 0 || len(q.ready) == 0 {
		return
	}
	now := b.now()
	kept := q.ready[:0]
	var expired []memEntry
	for _, e := range q.ready {
		if now.Sub(e.enqueued) >= q.ttl {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	q.ready = kept
	for _, e := range expired {
		b.deadLetter(q, e.msg)
	}
}

func (q *memQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type memConsumer struct {
	q       *memQueue
	pending map[uint64]memEntry
	nextTag uint64
	stopped bool
}

// Consume 实现 Broker
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed || !b.connected {
		b.mu.Unlock()
		return nil, pkgerrors.Transport(ErrClosed, "memory broker consume")
	}
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("memory broker: queue %s not declared", queue)
	}
	b.mu.Unlock()

	c := &memConsumer{q: q, pending: make(map[uint64]memEntry)}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer b.stopConsumer(c)
		for {
			d, wake, ok := b.next(c)
			if !ok {
				return
			}
			if wake != nil {
				select {
				case <-ctx.Done():
					return
				case <-wake:
				case <-time.After(b.sweep):
				}
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// next 取出下一条可投递消息；无消息或已达 prefetch 时返回等待信号
func (b *MemoryBroker) next(c *memConsumer) (Delivery, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Delivery{}, nil, false
	}
	q := c.q
	b.expire(q)
	if len(c.pending) >= Prefetch || len(q.ready) == 0 {
		return Delivery{}, q.wake, true
	}
	e := q.ready[0]
	q.ready = q.ready[1:]
	c.nextTag++
	tag := c.nextTag
	c.pending[tag] = e
	d := NewDelivery(e.msg,
		func() error { return b.settle(c, tag, false, false) },
		func(requeue bool) error { return b.settle(c, tag, true, requeue) },
	)
	return d, nil, true
}

func (b *MemoryBroker) settle(c *memConsumer, tag uint64, nack, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := c.pending[tag]
	if !ok || c.stopped {
		return fmt.Errorf("memory broker: unknown delivery tag %d", tag)
	}
	delete(c.pending, tag)
	if nack {
		if requeue {
			e.msg.Redelivered = true
			c.q.ready = append([]memEntry{e}, c.q.ready...)
		} else {
			b.deadLetter(c.q, e.msg)
		}
	}
	c.q.broadcast()
	return nil
}

// stopConsumer 消费者退出时把未确认消息放回队首并标记重投
func (b *MemoryBroker) stopConsumer(c *memConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.stopped = true
	if len(c.pending) == 0 {
		return
	}
	requeued := make([]memEntry, 0, len(c.pending)+len(c.q.ready))
	for tag := uint64(1); tag <= c.nextTag; tag++ {
		if e, ok := c.pending[tag]; ok {
			e.msg.Redelivered = true
			requeued = append(requeued, e)
		}
	}
	c.pending = map[uint64]memEntry{}
	c.q.ready = append(requeued, c.q.ready...)
	c.q.broadcast()
}

// Subscribe 实现 Broker
func (b *MemoryBroker) Subscribe(ctx context.Context, routingKey string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.connected {
		return nil, pkgerrors.Transport(ErrClosed, "memory broker subscribe")
	}
	s := &memSub{pattern: routingKey, ch: make(chan Message, 16)}
	b.subs[s] = struct{}{}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	}()
	return s.ch, nil
}

// Close 实现 Broker
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.broadcast()
	}
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
	return nil
}

// Depth 队列中待投递消息数（先执行 TTL 检查）
func (b *MemoryBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	b.expire(q)
	return len(q.ready)
}

// Drain 取走队列中全部待投递消息，用于检查死信队列
func (b *MemoryBroker) Drain(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	b.expire(q)
	out := make([]Message, 0, len(q.ready))
	for _, e := range q.ready {
		out = append(out, e.msg)
	}
	q.ready = nil
	return out
}
