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

package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"docflow/internal/broker"
	"docflow/pkg/log"
)

// ErrRecycle 处理消息数达到上限，调用方应重建进程内组件
var ErrRecycle = errors.New("consumer: max tasks reached, recycle")

// Runner 每个队列一个顺序消费循环（prefetch=1）
type Runner struct {
	broker     broker.Broker
	dispatcher *Dispatcher
	queues     []string
	logger     *log.Logger
	maxTasks   int64
	backoff    time.Duration

	handled atomic.Int64
}

// NewRunner 创建 Runner；maxTasks<=0 表示不回收
func NewRunner(b broker.Broker, d *Dispatcher, queues []string, maxTasks int, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Runner{
		broker:     b,
		dispatcher: d,
		queues:     queues,
		logger:     logger,
		maxTasks:   int64(maxTasks),
		backoff:    500 * time.Millisecond,
	}
}

// Handled 已处理的消息数
func (r *Runner) Handled() int64 {
	return r.handled.Load()
}

// Run 阻塞消费直到 ctx 结束（返回 nil）或达到 maxTasks（返回 ErrRecycle）。
// 达到上限时只在两条消息之间停止，进行中的任务不会被打断。
func (r *Runner) Run(ctx context.Context) error {
	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()

	var (
		wg       sync.WaitGroup
		stopOnce sync.Once
		recycled atomic.Bool
		closed   atomic.Bool
	)
	stop := make(chan struct{})
	halt := func() { stopOnce.Do(func() { close(stop) }) }

	for _, q := range r.queues {
		deliveries, err := r.broker.Consume(consumeCtx, q)
		if err != nil {
			halt()
			cancelConsume()
			wg.Wait()
			return err
		}
		r.logger.Info("开始消费队列", "queue", q)
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			r.loop(ctx, queue, deliveries, stop, func() {
				recycled.Store(true)
				halt()
			}, func() {
				closed.Store(true)
				halt()
			})
		}(q)
	}
	wg.Wait()
	switch {
	case recycled.Load():
		return ErrRecycle
	case closed.Load() && ctx.Err() == nil:
		return broker.ErrClosed
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, queue string, deliveries <-chan broker.Delivery, stop <-chan struct{}, onLimit, onClosed func()) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case dv, ok := <-deliveries:
			if !ok {
				onClosed()
				return
			}
			if err := r.dispatcher.Dispatch(ctx, dv); err != nil {
				r.logger.Warn("消息处理返回错误", "queue", queue, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(r.backoff):
				}
			}
			if n := r.handled.Add(1); r.maxTasks > 0 && n >= r.maxTasks {
				onLimit()
				return
			}
		}
	}
}
