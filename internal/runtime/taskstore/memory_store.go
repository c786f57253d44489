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
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// MemoryStore 内存实现，单进程部署与测试使用
type MemoryStore struct {
	items map[string]*memItem
	mu    sync.Mutex
	opts  options
}

// memItem 以序列化形式保存，避免调用方持有内部记录
type memItem struct {
	value      []byte
	expiration time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{items: make(map[string]*memItem), opts: o}
}

// Create 实现 Store
func (s *MemoryStore) Create(ctx context.Context, task Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("task status: empty task_id")
	}
	now := s.opts.now()
	rec := newRecord(task, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(StatusKey(task.TaskID), &rec, now)
}

// Get 实现 Store
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(StatusKey(taskID), s.opts.now())
}

// Update 实现 Store
func (s *MemoryStore) Update(ctx context.Context, taskID string, patch Patch) (*Task, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := StatusKey(taskID)
	t, err := s.load(k, now)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(t, now); err != nil {
		return nil, err
	}
	if err := s.put(k, t, now); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete 实现 Store
func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, StatusKey(taskID))
	return nil
}

// Len 未过期记录数
func (s *MemoryStore) Len() int {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.expiration.After(now) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) load(k string, now time.Time) (*Task, error) {
	item, ok := s.items[k]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expiration.After(now) {
		delete(s.items, k)
		return nil, ErrNotFound
	}
	var t Task
	if err := sonic.Unmarshal(item.value, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task status: %w", err)
	}
	return &t, nil
}

func (s *MemoryStore) put(k string, t *Task, now time.Time) error {
	data, err := sonic.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task status: %w", err)
	}
	s.items[k] = &memItem{value: data, expiration: now.Add(s.opts.ttl)}
	return nil
}
