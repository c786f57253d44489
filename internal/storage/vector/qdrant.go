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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	pkgerrors "docflow/pkg/errors"
)

// QdrantConfig Qdrant REST 配置
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// QdrantStore 通过 REST API 访问 Qdrant 的 Store 实现
type QdrantStore struct {
	baseURL string
	client  *resty.Client
}

// NewQdrantStore 创建 QdrantStore
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:6333"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("api-key", cfg.APIKey)
	}
	return &QdrantStore{baseURL: strings.TrimRight(cfg.URL, "/"), client: client}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Score   float64        `json:"score,omitempty"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

type qdrantCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func toFilter(filter map[string]string) *qdrantFilter {
	if len(filter) == 0 {
		return nil
	}
	f := &qdrantFilter{}
	for k, v := range filter {
		c := qdrantCondition{Key: k}
		c.Match.Value = v
		f.Must = append(f.Must, c)
	}
	return f
}

func qdrantDistance(d string) string {
	switch d {
	case "euclidean":
		return "Euclid"
	case "dot":
		return "Dot"
	default:
		return "Cosine"
	}
}

// Create 创建 collection
func (s *QdrantStore) Create(ctx context.Context, idx *Index) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     idx.Dimension,
			"distance": qdrantDistance(idx.Distance),
		},
	}
	return s.do(ctx, http.MethodPut, s.collection(idx.Name), body, nil)
}

// Upsert 写入 points，等待落盘后返回
func (s *QdrantStore) Upsert(ctx context.Context, indexName string, vectors []*Vector) error {
	points := make([]qdrantPoint, 0, len(vectors))
	for _, v := range vectors {
		points = append(points, qdrantPoint{ID: v.ID, Vector: v.Values, Payload: v.Metadata})
	}
	return s.do(ctx, http.MethodPut, s.collection(indexName)+"/points?wait=true", map[string]any{"points": points}, nil)
}

// Search 相似度检索
func (s *QdrantStore) Search(ctx context.Context, indexName string, query []float64, options *SearchOptions) ([]*SearchResult, error) {
	opts := SearchOptions{TopK: 10}
	if options != nil {
		opts = *options
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	body := map[string]any{
		"vector":       query,
		"limit":        opts.TopK,
		"with_payload": true,
	}
	if opts.Threshold > 0 {
		body["score_threshold"] = opts.Threshold
	}
	if f := toFilter(opts.Filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collection(indexName)+"/points/search", body, &resp); err != nil {
		return nil, err
	}
	results := make([]*SearchResult, 0, len(resp.Result))
	for _, p := range resp.Result {
		results = append(results, &SearchResult{ID: p.ID, Score: p.Score, Metadata: p.Payload})
	}
	return results, nil
}

// Exists 用 scroll 取一条满足 filter 的 point；collection 不存在视为不存在
func (s *QdrantStore) Exists(ctx context.Context, indexName string, filter map[string]string) (bool, error) {
	body := map[string]any{
		"limit":        1,
		"with_payload": false,
		"with_vector":  false,
	}
	if f := toFilter(filter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result struct {
			Points []qdrantPoint `json:"points"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collection(indexName)+"/points/scroll", body, &resp)
	if errors.Is(err, ErrIndexNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(resp.Result.Points) > 0, nil
}

// Delete 按 ID 删除 points
func (s *QdrantStore) Delete(ctx context.Context, indexName string, ids []string) error {
	return s.do(ctx, http.MethodPost, s.collection(indexName)+"/points/delete?wait=true", map[string]any{"points": ids}, nil)
}

// ListIndexes 列出 collection
func (s *QdrantStore) ListIndexes(ctx context.Context) ([]string, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Result.Collections))
	for _, c := range resp.Result.Collections {
		names = append(names, c.Name)
	}
	return names, nil
}

// Close 实现 Store
func (s *QdrantStore) Close() error {
	return nil
}

func (s *QdrantStore) collection(name string) string {
	return "/collections/" + url.PathEscape(name)
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	req := s.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, s.baseURL+path)
	if err != nil {
		return pkgerrors.Transport(err, "qdrant "+method+" "+path)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrIndexNotFound, path)
	case resp.StatusCode() >= 300:
		return fmt.Errorf("qdrant %s %s failed: %d %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}
