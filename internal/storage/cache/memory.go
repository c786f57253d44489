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

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// MemoryStore 进程内缓存，容量满时淘汰最早过期的项
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]cacheItem
	capacity int
	now      func() time.Time
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore 创建内存缓存；capacity<=0 时为 1024
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryStore{items: make(map[string]cacheItem), capacity: capacity, now: time.Now}
}

// Set 实现 Store
func (s *MemoryStore) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	item := cacheItem{value: data}
	if expiration > 0 {
		item.expiresAt = s.now().Add(expiration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok && len(s.items) >= s.capacity {
		s.evictLocked()
	}
	s.items[key] = item
	return nil
}

// evictLocked 先清过期项，仍满则淘汰最早过期（不过期的最后淘汰）
func (s *MemoryStore) evictLocked() {
	now := s.now()
	var victim string
	var earliest time.Time
	for k, it := range s.items {
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			delete(s.items, k)
			continue
		}
		if victim == "" || (!it.expiresAt.IsZero() && (earliest.IsZero() || it.expiresAt.Before(earliest))) {
			victim, earliest = k, it.expiresAt
		}
	}
	if len(s.items) >= s.capacity && victim != "" {
		delete(s.items, victim)
	}
}

// Get 实现 Store
func (s *MemoryStore) Get(ctx context.Context, key string, dest any) error {
	s.mu.Lock()
	it, ok := s.items[key]
	if ok && !it.expiresAt.IsZero() && s.now().After(it.expiresAt) {
		delete(s.items, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return ErrMiss
	}
	return sonic.Unmarshal(it.value, dest)
}

// Delete 实现 Store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len 当前项数（含未清理的过期项）
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close 实现 Store
func (s *MemoryStore) Close() error { return nil }
