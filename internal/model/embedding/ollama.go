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

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// OllamaConfig Ollama embedding 服务配置
type OllamaConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	// RPS 每秒请求上限，<=0 不限流
	RPS     float64
	Timeout time.Duration
}

// OllamaEmbedder 调用 Ollama /api/embed 的 Embedder
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *resty.Client
	limiter   *rate.Limiter
}

// NewOllamaEmbedder 创建 OllamaEmbedder
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(3 * time.Second)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &OllamaEmbedder{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    client,
		limiter:   limiter,
	}
}

// Model 返回模型名称
func (e *OllamaEmbedder) Model() string { return e.model }

// Dimension 返回向量维度
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Embed 实现 Embedder；一次请求批量向量化
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"model": e.model,
			"input": texts,
		}).
		Post(e.baseURL + "/api/embed")
	if err != nil {
		return nil, fmt.Errorf("调用 Ollama embed failed: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("Ollama embed 返回错误: %d %s", response.StatusCode(), response.String())
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析 Ollama 响应failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Ollama 返回 %d 个向量，期望 %d", len(result.Embeddings), len(texts))
	}
	for i, v := range result.Embeddings {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("第 %d 个向量维度 %d 与配置 %d 不一致", i, len(v), e.dimension)
		}
	}
	return result.Embeddings, nil
}
