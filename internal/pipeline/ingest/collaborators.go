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

package ingest

import (
	"context"
	"path/filepath"
	"strings"

	"docflow/internal/splitter"
	"docflow/internal/storage/vector"
)

// Deduper “已入库”判定，fileName 为 NormalizeName 的结果
type Deduper interface {
	AlreadyIngested(ctx context.Context, fileName string) (bool, error)
}

// Publisher 发布消息，失败返回 false
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) bool
}

// TextSplitter 文本分块
type TextSplitter interface {
	Split(content string) []splitter.Chunk
}

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// VectorWriter 向量写入
type VectorWriter interface {
	Upsert(ctx context.Context, indexName string, vectors []*vector.Vector) error
}

// IngestedRecorder 入库成功后的登记
type IngestedRecorder interface {
	MarkIngested(ctx context.Context, fileName, taskID string, chunks int) error
}

// NormalizeName 去重用的文件名：取 base 并小写
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	return strings.ToLower(filepath.Base(name))
}

// EmbeddingTaskID embedding 阶段子记录的 task_id
func EmbeddingTaskID(taskID string) string { return taskID + "_embedding" }
