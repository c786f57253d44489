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

// Package query 语义检索：查询文本向量化后在向量库中检索，结果格式化为前端展示用的排名列表
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"docflow/internal/storage/cache"
	"docflow/internal/storage/vector"
	"docflow/pkg/log"
)

// 检索结果状态
const (
	StatusSuccess   = "success"
	StatusNoResults = "no_results"
	StatusError     = "error"
)

// DefaultTopK 默认返回条数
const DefaultTopK = 5

// Embedder 查询向量化
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// VectorSearcher 向量检索
type VectorSearcher interface {
	Search(ctx context.Context, indexName string, query []float64, options *vector.SearchOptions) ([]*vector.SearchResult, error)
}

// Hit 单条检索结果；Score 为百分制
type Hit struct {
	Rank          int     `json:"rank"`
	ID            string  `json:"id"`
	Score         float64 `json:"score"`
	Text          string  `json:"text"`
	FileName      string  `json:"file_name"`
	FilePath      string  `json:"file_path"`
	FileExtension string  `json:"file_extension"`
	ChunkIndex    int     `json:"chunk_index"`
}

// Response POST /message 的响应体
type Response struct {
	Status  string `json:"status"`
	Query   string `json:"query,omitempty"`
	Message string `json:"message,omitempty"`
	Results []Hit  `json:"results"`
	Total   int    `json:"total"`
}

// Retriever 检索器
type Retriever struct {
	embedder  Embedder
	vectors   VectorSearcher
	indexName string
	topK      int
	logger    *log.Logger

	cache    cache.Store
	cacheTTL time.Duration
}

// NewRetriever 创建检索器；topK<=0 时为 5
func NewRetriever(embedder Embedder, vectors VectorSearcher, indexName string, topK int, logger *log.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if indexName == "" {
		indexName = "documents"
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, vectors: vectors, indexName: indexName, topK: topK, logger: logger}
}

// WithCache 缓存查询向量，相同查询不再调用 embedding 服务
func (r *Retriever) WithCache(c cache.Store, ttl time.Duration) *Retriever {
	r.cache, r.cacheTTL = c, ttl
	return r
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "qemb:" + hex.EncodeToString(sum[:16])
}

// embed 查询向量化，命中缓存时直接返回
func (r *Retriever) embed(ctx context.Context, text string) ([]float64, error) {
	key := cacheKey(text)
	if r.cache != nil {
		var cached []float64
		err := r.cache.Get(ctx, key, &cached)
		if err == nil && len(cached) > 0 {
			return cached, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			r.logger.Warn("读取查询向量缓存失败", "error", err)
		}
	}
	embeddings, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors", len(embeddings))
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, embeddings[0], r.cacheTTL); err != nil {
			r.logger.Warn("写入查询向量缓存失败", "error", err)
		}
	}
	return embeddings[0], nil
}

// Search 执行检索；错误体现在 Status 中而不是返回值
func (r *Retriever) Search(ctx context.Context, text string) Response {
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{Status: StatusError, Message: "查询内容不能为空", Results: []Hit{}}
	}

	qv, err := r.embed(ctx, text)
	if err != nil {
		r.logger.Error("查询向量化失败", "error", err)
		return Response{Status: StatusError, Query: text, Message: "查询向量化失败: " + err.Error(), Results: []Hit{}}
	}

	results, err := r.vectors.Search(ctx, r.indexName, qv, &vector.SearchOptions{TopK: r.topK})
	if err != nil {
		r.logger.Error("向量检索失败", "index", r.indexName, "error", err)
		return Response{Status: StatusError, Query: text, Message: "检索失败: " + err.Error(), Results: []Hit{}}
	}
	if len(results) == 0 {
		return Response{Status: StatusNoResults, Query: text, Message: "没有找到相关内容", Results: []Hit{}}
	}
	if len(results) > r.topK {
		results = results[:r.topK]
	}

	hits := make([]Hit, 0, len(results))
	for i, res := range results {
		hits = append(hits, Hit{
			Rank:          i + 1,
			ID:            res.ID,
			Score:         math.Round(res.Score*100*100) / 100,
			Text:          metaString(res.Metadata, "text"),
			FileName:      metaString(res.Metadata, "file_name"),
			FilePath:      metaString(res.Metadata, "file_path"),
			FileExtension: metaString(res.Metadata, "file_extension"),
			ChunkIndex:    metaInt(res.Metadata, "chunk_index"),
		})
	}
	return Response{Status: StatusSuccess, Query: text, Results: hits, Total: len(hits)}
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// metaInt 兼容 JSON 解码后的 float64
func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
