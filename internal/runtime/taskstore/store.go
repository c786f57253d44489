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

package taskstore

import (
	"context"
	"time"
)

// DefaultTTL 记录默认过期时间，每次 Update 刷新
const DefaultTTL = time.Hour

// Store 任务状态存储
type Store interface {
	// Create 写入 pending 记录并设置 TTL；同 task_id 已存在时覆盖
	Create(ctx context.Context, task Task) error
	// Get 读取记录，不存在返回 ErrNotFound
	Get(ctx context.Context, taskID string) (*Task, error)
	// Update 合并 patch 并刷新 TTL，返回合并后的记录
	Update(ctx context.Context, taskID string, patch Patch) (*Task, error)
	// Delete 删除记录，不存在不报错
	Delete(ctx context.Context, taskID string) error
}

// StatusKey 记录的存储 key
func StatusKey(taskID string) string { return "task:" + taskID + ":status" }

// Option Store 选项
type Option func(*options)

type options struct {
	ttl       time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, opTimeout: time.Second, now: time.Now}
}

// WithTTL 设置记录 TTL
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithOpTimeout 设置单次操作超时（仅 Redis 实现使用）
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
