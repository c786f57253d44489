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
	"sync"

	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/pkg/log"
)

// maxRevoked 记住的已撤销 task_id 上限
const maxRevoked = 1024

// Revocations 传输层撤销信号：尽力而为地取消进行中的任务。
// 仅靠它不足以保证正确性，分发与步骤边界仍需检查状态存储中的 cancelled。
type Revocations struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	revoked  map[string]struct{}
	order    []string
}

// NewRevocations 创建撤销表
func NewRevocations() *Revocations {
	return &Revocations{
		inflight: make(map[string]context.CancelFunc),
		revoked:  make(map[string]struct{}),
	}
}

// Track 登记进行中的任务，返回可被撤销的 ctx 与释放函数
func (r *Revocations) Track(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inflight[taskID] = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.inflight, taskID)
		r.mu.Unlock()
		cancel()
	}
}

// Revoke 记录撤销并取消进行中的执行，返回是否命中进行中的任务
func (r *Revocations) Revoke(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[taskID]; !ok {
		r.revoked[taskID] = struct{}{}
		r.order = append(r.order, taskID)
		if len(r.order) > maxRevoked {
			delete(r.revoked, r.order[0])
			r.order = r.order[1:]
		}
	}
	cancel, ok := r.inflight[taskID]
	if ok {
		cancel()
	}
	return ok
}

// IsRevoked 是否收到过撤销
func (r *Revocations) IsRevoked(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[taskID]
	return ok
}

// Listen 订阅 control.revoke 广播直到 ctx 结束
func (r *Revocations) Listen(ctx context.Context, b broker.Broker, logger *log.Logger) error {
	if logger == nil {
		logger = log.NewNop()
	}
	msgs, err := b.Subscribe(ctx, broker.RoutingRevoke)
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			env, err := messaging.Decode(broker.RoutingRevoke, m.Body)
			if err != nil {
				logger.Warn("忽略无效的撤销消息", "error", err)
				continue
			}
			hit := r.Revoke(env.ID())
			logger.Info("收到撤销", "task_id", env.ID(), "inflight", hit)
		}
	}()
	return nil
}
