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

package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore 内存向量存储实现
type MemoryStore struct {
	indexes map[string]*index
	mu      sync.RWMutex
}

// index 内存索引实现
type index struct {
	index     *Index
	vectors   map[string]*Vector
	dimension int
}

// NewMemoryStore 创建新的内存向量存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indexes: make(map[string]*index),
	}
}

// Create 创建向量索引
func (s *MemoryStore) Create(ctx context.Context, idx *Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.indexes[idx.Name]; exists {
		return fmt.Errorf("index with name %s already exists", idx.Name)
	}

	s.indexes[idx.Name] = &index{
		index:     idx,
		vectors:   make(map[string]*Vector),
		dimension: idx.Dimension,
	}

	return nil
}

// Upsert 写入向量，ID 相同则覆盖
func (s *MemoryStore) Upsert(ctx context.Context, indexName string, vectors []*Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.indexes[indexName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}

	for _, vector := range vectors {
		if len(vector.Values) != idx.dimension {
			return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vector.Values), idx.dimension)
		}
	}
	for _, vector := range vectors {
		idx.vectors[vector.ID] = vector
	}

	return nil
}

// Search 搜索向量
func (s *MemoryStore) Search(ctx context.Context, indexName string, query []float64, options *SearchOptions) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, exists := s.indexes[indexName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}

	if len(query) != idx.dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), idx.dimension)
	}

	opts := SearchOptions{TopK: 10}
	if options != nil {
		opts = *options
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	var results []*SearchResult
	for id, vector := range idx.vectors {
		if !matchFilter(vector.Metadata, opts.Filter) {
			continue
		}

		score := s.calculateSimilarity(query, vector.Values, idx.index.Distance)
		if score < opts.Threshold {
			continue
		}

		results = append(results, &SearchResult{
			ID:       id,
			Score:    score,
			Metadata: vector.Metadata,
		})
	}

	// 按相似度排序，分数相同按 ID 保证稳定
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	return results, nil
}

// Exists 是否存在元数据满足 filter 的向量；索引不存在视为不存在
func (s *MemoryStore) Exists(ctx context.Context, indexName string, filter map[string]string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, exists := s.indexes[indexName]
	if !exists {
		return false, nil
	}
	for _, vector := range idx.vectors {
		if matchFilter(vector.Metadata, filter) {
			return true, nil
		}
	}
	return false, nil
}

// Delete 删除向量，不存在的 ID 忽略
func (s *MemoryStore) Delete(ctx context.Context, indexName string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.indexes[indexName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}
	for _, id := range ids {
		delete(idx.vectors, id)
	}
	return nil
}

// Count 索引中的向量数
func (s *MemoryStore) Count(indexName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexes[indexName]; ok {
		return len(idx.vectors)
	}
	return 0
}

// ListIndexes 列出所有索引
func (s *MemoryStore) ListIndexes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes := make([]string, 0, len(s.indexes))
	for name := range s.indexes {
		indexes = append(indexes, name)
	}
	sort.Strings(indexes)

	return indexes, nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error {
	return nil
}

func matchFilter(metadata map[string]any, filter map[string]string) bool {
	for key, value := range filter {
		v, ok := metadata[key]
		if !ok || fmt.Sprint(v) != value {
			return false
		}
	}
	return true
}

// calculateSimilarity 计算向量相似度
func (s *MemoryStore) calculateSimilarity(query, vector []float64, distance string) float64 {
	switch distance {
	case "cosine":
		return s.cosineSimilarity(query, vector)
	case "euclidean":
		return 1.0 / (1.0 + s.euclideanDistance(query, vector))
	case "dot":
		return s.dotProduct(query, vector)
	default:
		return s.cosineSimilarity(query, vector)
	}
}

// cosineSimilarity 计算余弦相似度
func (s *MemoryStore) cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	dotProduct := 0.0
	normA := 0.0
	normB := 0.0

	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// euclideanDistance 计算欧几里得距离
func (s *MemoryStore) euclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}

	return math.Sqrt(sum)
}

// dotProduct 计算点积
func (s *MemoryStore) dotProduct(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
