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

// Package consumer 消费侧分发：routing key → 处理函数的静态注册表，以及逐条消息的幂等分发
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	pkgerrors "docflow/pkg/errors"
)

// ErrCancelled 处理过程中在步骤边界观察到任务已取消
var ErrCancelled = errors.New("task cancelled")

// Outcome 处理结果，由 Dispatcher 写成终态
type Outcome struct {
	Status  taskstore.Status
	Message string
	Reason  string
	Result  map[string]any
	Error   *taskstore.ErrorInfo
}

// Patch 终态写入：progress 置 100，failed 时带 failed_at
func (o Outcome) Patch(now time.Time) taskstore.Patch {
	patch := taskstore.Patch{
		Status:      taskstore.Ptr(o.Status),
		Progress:    taskstore.Ptr(100),
		Result:      o.Result,
		Error:       o.Error,
		CompletedAt: &now,
	}
	if o.Message != "" {
		patch.Message = taskstore.Ptr(o.Message)
	}
	if o.Reason != "" {
		patch.Reason = taskstore.Ptr(o.Reason)
	}
	if o.Status == taskstore.StatusFailed {
		patch.FailedAt = &now
	}
	return patch
}

// Handler 某个 routing key 的处理器
type Handler interface {
	Handle(ctx context.Context, env messaging.Envelope) (Outcome, error)
	// Cleanup 在每个退出路径上释放文件等资源
	Cleanup(env messaging.Envelope)
}

// Typed 将具体消息体类型的处理函数适配为 Handler
type Typed[E messaging.Envelope] struct {
	HandleFunc  func(ctx context.Context, env E) (Outcome, error)
	CleanupFunc func(env E)
}

// Handle 实现 Handler
func (h Typed[E]) Handle(ctx context.Context, env messaging.Envelope) (Outcome, error) {
	e, ok := env.(E)
	if !ok {
		return Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeConsumer, "handler received %T", env)
	}
	return h.HandleFunc(ctx, e)
}

// Cleanup 实现 Handler
func (h Typed[E]) Cleanup(env messaging.Envelope) {
	if h.CleanupFunc == nil {
		return
	}
	if e, ok := env.(E); ok {
		h.CleanupFunc(e)
	}
}

// Registry routing key → Handler
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register 注册处理器；同一 routing key 重复注册返回错误
func (r *Registry) Register(routingKey string, h Handler) error {
	if h == nil {
		return fmt.Errorf("consumer: nil handler for %s", routingKey)
	}
	if _, dup := r.handlers[routingKey]; dup {
		return fmt.Errorf("consumer: duplicate handler for %s", routingKey)
	}
	r.handlers[routingKey] = h
	return nil
}

// Lookup 查找处理器
func (r *Registry) Lookup(routingKey string) (Handler, bool) {
	h, ok := r.handlers[routingKey]
	return h, ok
}

// Keys 已注册的 routing key（有序）
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate 启动时校验：所消费队列绑定的每个 routing key 恰有一个处理器，
// 且每个处理器都有对应的消息体 schema
func (r *Registry) Validate(topo broker.Topology, queues []string) error {
	schemas := map[string]bool{}
	for _, k := range messaging.RoutingKeys() {
		schemas[k] = true
	}
	var problems []string
	bound := map[string]bool{}
	for _, name := range queues {
		q, ok := topo.Queue(name)
		if !ok {
			problems = append(problems, "unknown queue "+name)
			continue
		}
		for _, key := range q.Bindings {
			bound[key] = true
			if _, ok := r.handlers[key]; !ok {
				problems = append(problems, "no handler for "+key)
			}
		}
	}
	for key := range r.handlers {
		if !schemas[key] {
			problems = append(problems, "no envelope schema for "+key)
		}
		if !bound[key] {
			problems = append(problems, "handler for "+key+" is not bound to a consumed queue")
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("consumer registry: %s", strings.Join(problems, "; "))
	}
	return nil
}
