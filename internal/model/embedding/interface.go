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
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"docflow/pkg/config"
)

// Embedder 向量化接口
type Embedder interface {
	Model() string
	Dimension() int
	// Embed 对文本做向量化，返回与 texts 一一对应的向量
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// NewEmbedder 根据配置创建 Embedder
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Type {
	case "", "static":
		return NewStaticEmbedder(cfg.Dimension), nil
	case "ollama":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.URL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			RPS:       cfg.RPS,
			Timeout:   config.Duration(cfg.Timeout, 30*time.Second),
		}), nil
	default:
		return nil, fmt.Errorf("不支持的 embedding 类型: %s", cfg.Type)
	}
}

// StaticEmbedder 本地确定性向量：词哈希到固定维度后归一化，不依赖外部服务
type StaticEmbedder struct {
	dimension int
}

// NewStaticEmbedder 创建 StaticEmbedder
func NewStaticEmbedder(dimension int) *StaticEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &StaticEmbedder{dimension: dimension}
}

// Model 返回模型名称
func (e *StaticEmbedder) Model() string { return "static-hash" }

// Dimension 返回向量维度
func (e *StaticEmbedder) Dimension() int { return e.dimension }

// Embed 实现 Embedder
func (e *StaticEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float64, e.dimension)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%uint32(e.dimension)]++
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for j := range vec {
				vec[j] /= norm
			}
		}
		out[i] = vec
	}
	return out, nil
}
