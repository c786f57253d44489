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
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"docflow/internal/broker"
	"docflow/internal/consumer"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	"docflow/internal/splitter"
	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
)

// DocumentDeps 文档处理依赖；Dedup 可为 nil
type DocumentDeps struct {
	Store     taskstore.Store
	Parsers   *ParserRegistry
	Splitter  TextSplitter
	Dedup     Deduper
	Publisher Publisher
	Logger    *log.Logger
}

// DocumentConfig 文档处理配置
type DocumentConfig struct {
	Worker string
	// UploadDir 相对路径以此为根
	UploadDir           string
	SupportedExtensions []string
}

// DocumentProcessor 单文件处理：校验、查重、解析、分块、生成元数据，交给 embedding 阶段
type DocumentProcessor struct {
	deps      DocumentDeps
	cfg       DocumentConfig
	supported map[string]bool
	logger    *log.Logger
	now       func() time.Time
}

// NewDocumentProcessor 创建 DocumentProcessor
func NewDocumentProcessor(deps DocumentDeps, cfg DocumentConfig) *DocumentProcessor {
	if deps.Parsers == nil {
		deps.Parsers = DefaultParsers()
	}
	if deps.Splitter == nil {
		deps.Splitter = splitter.NewStructuralSplitter(0, 0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	exts := cfg.SupportedExtensions
	if len(exts) == 0 {
		exts = DefaultSupportedExtensions
	}
	supported := make(map[string]bool, len(exts))
	for _, e := range exts {
		supported[NormalizeExt(e)] = true
	}
	return &DocumentProcessor{deps: deps, cfg: cfg, supported: supported, logger: logger, now: time.Now}
}

// Register 注册 file.process 处理器
func (p *DocumentProcessor) Register(reg *consumer.Registry) error {
	return reg.Register(broker.RoutingFileProcess, consumer.Typed[*messaging.FileEnvelope]{
		HandleFunc:  p.HandleFile,
		CleanupFunc: p.cleanupFile,
	})
}

// fileJob 一次单文件处理
type fileJob struct {
	TaskID      string
	FilePath    string
	Filename    string
	DisplayName string
}

// HandleFile 处理 file.process 消息
func (p *DocumentProcessor) HandleFile(ctx context.Context, env *messaging.FileEnvelope) (consumer.Outcome, error) {
	reporter := NewStoreReporter(p.deps.Store, env.TaskID, p.logger)
	return p.process(ctx, reporter, fileJob{
		TaskID:      env.TaskID,
		FilePath:    env.FilePath,
		Filename:    env.Filename,
		DisplayName: env.DisplayName,
	})
}

func (p *DocumentProcessor) process(ctx context.Context, rep ProgressReporter, job fileJob) (consumer.Outcome, error) {
	logger := p.logger.With("task_id", job.TaskID)
	filename := job.Filename
	if filename == "" {
		filename = filepath.Base(job.FilePath)
	}
	display := job.DisplayName
	if display == "" {
		display = filename
	}
	if err := rep.Begin(ctx, StartInfo{Filename: filename, DisplayName: display, Worker: p.cfg.Worker}); err != nil {
		return consumer.Outcome{}, err
	}

	ext := NormalizeExt(filepath.Ext(filename))
	if !p.supported[ext] {
		return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeUnsupportedFormat, "不支持的文件格式: %q", ext)
	}

	// 1 查重
	if err := rep.Step(ctx, StepDedup); err != nil {
		return consumer.Outcome{}, err
	}
	key := NormalizeName(filename)
	if p.deps.Dedup != nil {
		exists, err := p.deps.Dedup.AlreadyIngested(ctx, key)
		switch {
		case err != nil:
			logger.Warn("查重失败，继续处理", "file", key, "error", err)
		case exists:
			logger.Info("文件已入库，跳过", "file", key)
			return consumer.Outcome{
				Status:  taskstore.StatusSkipped,
				Reason:  string(pkgerrors.TypeAlreadyExists),
				Message: fmt.Sprintf("文件 %s 已入库，跳过处理", filename),
			}, nil
		}
	}

	// 2 定位文件
	if err := rep.Step(ctx, StepLocate); err != nil {
		return consumer.Outcome{}, err
	}
	path := p.resolve(job.FilePath)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeFileNotFound, "文件不存在: %s", job.FilePath)
		}
		return consumer.Outcome{}, err
	}
	if info.IsDir() {
		return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeValidation, "路径是目录: %s", job.FilePath)
	}

	// 3 解析
	if err := rep.Step(ctx, StepParse); err != nil {
		return consumer.Outcome{}, err
	}
	parser, ok := p.deps.Parsers.Lookup(ext)
	if !ok {
		return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeValidation, "没有 %s 格式的解析器", ext)
	}
	parsed, err := parser.Parse(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return consumer.Outcome{}, ctx.Err()
		}
		return consumer.Outcome{}, &pkgerrors.TaskError{Type: pkgerrors.TypeValidation, Message: "解析失败", Err: err}
	}
	if parsed == nil || strings.TrimSpace(parsed.Text) == "" {
		return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeValidation, "文档内容为空")
	}

	// 4 分块
	if err := rep.Step(ctx, StepChunk); err != nil {
		return consumer.Outcome{}, err
	}
	chunks := p.deps.Splitter.Split(parsed.Text)
	if len(chunks) == 0 {
		return consumer.Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeValidation, "分块结果为空")
	}

	// 5 元数据
	if err := rep.Step(ctx, StepMetadata); err != nil {
		return consumer.Outcome{}, err
	}
	doc := BuildDocument(path, filename, ext, chunks, parsed.Metadata)

	// 6 交给 embedding 阶段
	if err := rep.Step(ctx, StepHandoff); err != nil {
		return consumer.Outcome{}, err
	}
	embeddingID, err := p.handoff(ctx, job.TaskID, filename, display, doc)
	if err != nil {
		return consumer.Outcome{}, err
	}

	logger.Info("文档处理完成", "file", filename, "chunks", len(doc.Chunks), "embedding_task_id", embeddingID)
	return consumer.Outcome{
		Status:  taskstore.StatusCompleted,
		Message: fmt.Sprintf("处理完成，共 %d 个分块", len(doc.Chunks)),
		Result: map[string]any{
			"status":            "success",
			"filename":          filename,
			"display_name":      display,
			"worker":            p.cfg.Worker,
			"text_length":       utf8.RuneCountInString(parsed.Text),
			"chunks_count":      len(doc.Chunks),
			"file_extension":    ext,
			"embedding_task_id": embeddingID,
			"processed_at":      p.now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// handoff 创建 embedding 子记录并发布 embedding.process
func (p *DocumentProcessor) handoff(ctx context.Context, taskID, filename, display string, doc messaging.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	childID := EmbeddingTaskID(taskID)
	err := p.deps.Store.Create(ctx, taskstore.Task{
		TaskID:       childID,
		Type:         taskstore.TypeEmbedding,
		ParentTaskID: taskID,
		Filename:     filename,
		DisplayName:  display,
		TotalSteps:   1,
		Message:      "等待向量化",
	})
	if err != nil {
		return "", pkgerrors.Transport(err, "创建 embedding 任务记录失败")
	}
	env := messaging.NewEmbeddingEnvelope(childID, taskID, doc)
	if !p.deps.Publisher.Publish(ctx, broker.RoutingEmbeddingProcess, env) {
		if derr := p.deps.Store.Delete(context.WithoutCancel(ctx), childID); derr != nil {
			p.logger.Warn("删除 embedding 任务记录失败", "task_id", childID, "error", derr)
		}
		return "", pkgerrors.Transport(errors.New("publish failed"), "发布 embedding.process 失败")
	}
	return childID, nil
}

// BuildDocument 为分块生成元数据；位置按字符累计，块之间计一个分隔符
func BuildDocument(path, filename, ext string, chunks []splitter.Chunk, parserMeta map[string]any) messaging.Document {
	doc := messaging.Document{
		FileName:      filename,
		FileExtension: ext,
		Chunks:        make([]messaging.Chunk, 0, len(chunks)),
	}
	key := NormalizeName(filename)
	pos := 0
	for i, c := range chunks {
		n := utf8.RuneCountInString(c.Content)
		doc.Chunks = append(doc.Chunks, messaging.Chunk{
			ChunkID: ChunkID(key, i),
			Text:    c.Content,
			Metadata: messaging.ChunkMetadata{
				FilePath:       path,
				FileName:       filename,
				FileExtension:  ext,
				ChunkIndex:     i,
				TotalChunks:    len(chunks),
				StartPosition:  pos,
				EndPosition:    pos + n,
				ParserMetadata: parserMeta,
			},
		})
		pos += n + 1
	}
	return doc
}

// ChunkID 同一文件同一序号得到相同 id，重复入库时覆盖而不是追加
func ChunkID(fileKey string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", fileKey, index))).String()
}

func (p *DocumentProcessor) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || p.cfg.UploadDir == "" {
		return path
	}
	return filepath.Join(p.cfg.UploadDir, path)
}

// cleanupFile 删除上传的临时文件
func (p *DocumentProcessor) cleanupFile(env *messaging.FileEnvelope) {
	path := p.resolve(env.FilePath)
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("删除上传文件失败", "task_id", env.TaskID, "path", path, "error", err)
	}
}
