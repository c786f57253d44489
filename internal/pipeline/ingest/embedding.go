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
	"errors"
	"fmt"
	"time"

	"docflow/internal/broker"
	"docflow/internal/consumer"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	"docflow/internal/storage/vector"
	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
)

// 向量化结果状态
const (
	EmbeddingSuccess  = "success"
	EmbeddingNoChunks = "no_chunks"
	EmbeddingFailed   = "failed"
)

// EmbeddingResult embedding 阶段的最小结果
type EmbeddingResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Map 转为状态记录的 result
func (r EmbeddingResult) Map() map[string]any {
	return map[string]any{"task_id": r.TaskID, "status": r.Status, "count": r.Count}
}

// EmbeddingDeps embedding 阶段依赖；Recorder 可为 nil
type EmbeddingDeps struct {
	Store    taskstore.Store
	Embedder Embedder
	Vectors  VectorWriter
	Recorder IngestedRecorder
	Logger   *log.Logger
}

// EmbeddingConfig embedding 阶段配置
type EmbeddingConfig struct {
	Worker    string
	Index     string
	BatchSize int
}

// EmbeddingProcessor 消费 embedding.process：向量化并写入向量库
type EmbeddingProcessor struct {
	deps   EmbeddingDeps
	cfg    EmbeddingConfig
	logger *log.Logger
	now    func() time.Time
}

// NewEmbeddingProcessor 创建 EmbeddingProcessor
func NewEmbeddingProcessor(deps EmbeddingDeps, cfg EmbeddingConfig) *EmbeddingProcessor {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Index == "" {
		cfg.Index = "documents"
	}
	return &EmbeddingProcessor{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Register 注册 embedding.process 处理器
func (p *EmbeddingProcessor) Register(reg *consumer.Registry) error {
	return reg.Register(broker.RoutingEmbeddingProcess, consumer.Typed[*messaging.EmbeddingEnvelope]{
		HandleFunc: p.HandleEmbedding,
	})
}

// HandleEmbedding 写入失败记为 failed 终态并确认，不进入死信
func (p *EmbeddingProcessor) HandleEmbedding(ctx context.Context, env *messaging.EmbeddingEnvelope) (consumer.Outcome, error) {
	now := p.now()
	_, err := p.deps.Store.Update(ctx, env.TaskID, taskstore.Patch{
		Status:      taskstore.Ptr(taskstore.StatusProcessing),
		Progress:    taskstore.Ptr(0),
		CurrentStep: taskstore.Ptr(1),
		Worker:      taskstore.Ptr(p.cfg.Worker),
		Message:     taskstore.Ptr(fmt.Sprintf("向量化 %d 个分块", len(env.Document.Chunks))),
		StartedAt:   &now,
	})
	switch {
	case errors.Is(err, taskstore.ErrTerminal):
		return consumer.Outcome{}, consumer.ErrCancelled
	case err != nil && !errors.Is(err, taskstore.ErrNotFound):
		p.logger.Warn("写入向量化进度失败", "task_id", env.TaskID, "error", err)
	}

	res, err := p.Process(ctx, env)
	if err != nil {
		if ctx.Err() != nil {
			return consumer.Outcome{}, ctx.Err()
		}
		p.logger.Error("向量化失败", "task_id", env.TaskID, "error", err)
		info := taskstore.ErrorInfoFrom(pkgerrors.Unexpected(err))
		return consumer.Outcome{Status: taskstore.StatusFailed, Message: info.Message, Error: info}, nil
	}
	msg := fmt.Sprintf("已写入 %d 个向量", res.Count)
	if res.Status == EmbeddingNoChunks {
		msg = "没有可向量化的分块"
	}
	return consumer.Outcome{Status: taskstore.StatusCompleted, Message: msg, Result: res.Map()}, nil
}

// Process 向量化并写入；失败时结果为 {status: failed, count: 0}，不做部分成功
func (p *EmbeddingProcessor) Process(ctx context.Context, env *messaging.EmbeddingEnvelope) (EmbeddingResult, error) {
	chunks := env.Document.Chunks
	if len(chunks) == 0 {
		return EmbeddingResult{TaskID: env.TaskID, Status: EmbeddingNoChunks}, nil
	}
	failed := EmbeddingResult{TaskID: env.TaskID, Status: EmbeddingFailed}

	key := NormalizeName(env.Document.FileName)
	vectors := make([]*vector.Vector, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		embeddings, err := p.deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return failed, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(embeddings) != len(texts) {
			return failed, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(texts))
		}
		for i, c := range chunks[start:end] {
			vectors = append(vectors, p.toVector(env, key, c, embeddings[i]))
		}
	}

	if err := p.deps.Vectors.Upsert(ctx, p.cfg.Index, vectors); err != nil {
		return failed, fmt.Errorf("upsert vectors: %w", err)
	}
	if p.deps.Recorder != nil {
		if err := p.deps.Recorder.MarkIngested(ctx, key, env.TaskID, len(vectors)); err != nil {
			p.logger.Warn("登记已入库文档失败", "task_id", env.TaskID, "file", key, "error", err)
		}
	}
	p.logger.Info("向量写入完成", "task_id", env.TaskID, "count", len(vectors))
	return EmbeddingResult{TaskID: env.TaskID, Status: EmbeddingSuccess, Count: len(vectors)}, nil
}

func (p *EmbeddingProcessor) toVector(env *messaging.EmbeddingEnvelope, key string, c messaging.Chunk, values []float64) *vector.Vector {
	id := c.ChunkID
	if id == "" {
		id = ChunkID(key, c.Metadata.ChunkIndex)
	}
	return &vector.Vector{
		ID:     id,
		Values: values,
		Metadata: map[string]any{
			"text":              c.Text,
			vector.FileKeyField: key,
			"file_name":         c.Metadata.FileName,
			"file_path":         c.Metadata.FilePath,
			"file_extension":    c.Metadata.FileExtension,
			"chunk_index":       c.Metadata.ChunkIndex,
			"total_chunks":      c.Metadata.TotalChunks,
			"start_position":    c.Metadata.StartPosition,
			"end_position":      c.Metadata.EndPosition,
			"task_id":           env.ParentTaskID,
		},
	}
}
