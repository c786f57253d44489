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
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	pkgerrors "docflow/pkg/errors"
)

// maxWatchRetries 乐观事务冲突时的重试次数
const maxWatchRetries = 5

// RedisStore Redis 实现：key task:{id}:status → JSON 记录
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore 创建 Redis 存储，client 生命周期由调用方管理
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

// Create 实现 Store
func (s *RedisStore) Create(ctx context.Context, task Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("task status: empty task_id")
	}
	rec := newRecord(task, s.opts.now())
	data, err := sonic.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task status: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, StatusKey(task.TaskID), data, s.opts.ttl).Err(); err != nil {
		return pkgerrors.Transport(err, "status store create")
	}
	return nil
}

// Get 实现 Store
func (s *RedisStore) Get(ctx context.Context, taskID string) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.opTimeout)
	defer cancel()
	data, err := s.client.Get(ctx, StatusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Transport(err, "status store get")
	}
	var t Task
	if err := sonic.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task status: %w", err)
	}
	return &t, nil
}

// Update 实现 Store：WATCH 保证 read-merge-write 不被并发写覆盖
func (s *RedisStore) Update(ctx context.Context, taskID string, patch Patch) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.opTimeout)
	defer cancel()
	k := StatusKey(taskID)

	var out *Task
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := sonic.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal task status: %w", err)
		}
		if err := patch.Apply(&t, s.opts.now()); err != nil {
			return err
		}
		merged, err := sonic.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal task status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, merged, s.opts.ttl)
			return nil
		})
		if err == nil {
			out = &t
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrTerminal):
			return nil, err
		default:
			if _, ok := pkgerrors.AsTaskError(err); ok {
				return nil, err
			}
			return nil, pkgerrors.Transport(err, "status store update")
		}
	}
	return nil, pkgerrors.Transport(redis.TxFailedErr, "status store update: too many conflicts")
}

// Delete 实现 Store
func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, StatusKey(taskID)).Err(); err != nil {
		return pkgerrors.Transport(err, "status store delete")
	}
	return nil
}

// Ping 健康检查
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
