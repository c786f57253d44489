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
	"time"

	"docflow/internal/broker"
	"docflow/internal/consumer"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
)

// DefaultFileTimeout 批处理中单个文件的处理上限
const DefaultFileTimeout = 300 * time.Second

// abandonGrace 超时后等待单文件流程退出的上限，子记录终态在其退出后写入
const abandonGrace = 5 * time.Second

// FolderProcessor 文件夹批处理：每个文件一条子记录，顺序执行单文件流程
type FolderProcessor struct {
	doc         *DocumentProcessor
	store       taskstore.Store
	logger      *log.Logger
	fileTimeout time.Duration
	now         func() time.Time
}

// NewFolderProcessor 创建 FolderProcessor；fileTimeout<=0 时使用默认值
func NewFolderProcessor(doc *DocumentProcessor, fileTimeout time.Duration) *FolderProcessor {
	if fileTimeout <= 0 {
		fileTimeout = DefaultFileTimeout
	}
	return &FolderProcessor{
		doc:         doc,
		store:       doc.deps.Store,
		logger:      doc.logger,
		fileTimeout: fileTimeout,
		now:         time.Now,
	}
}

// Register 注册 folder.process 处理器
func (p *FolderProcessor) Register(reg *consumer.Registry) error {
	return reg.Register(broker.RoutingFolderProcess, consumer.Typed[*messaging.FolderEnvelope]{
		HandleFunc:  p.HandleFolder,
		CleanupFunc: p.cleanupFolder,
	})
}

type fileResult struct {
	outcome consumer.Outcome
	err     error
}

// HandleFolder 处理 folder.process 消息。单个文件失败记入 errors，不影响整批。
func (p *FolderProcessor) HandleFolder(ctx context.Context, env *messaging.FolderEnvelope) (consumer.Outcome, error) {
	logger := p.logger.With("task_id", env.TaskID)
	total := len(env.FilePaths)
	worker := p.doc.cfg.Worker

	if env.FolderPath != "" {
		if _, err := os.Stat(p.doc.resolve(env.FolderPath)); err != nil {
			return consumer.Outcome{}, &pkgerrors.TaskError{Type: pkgerrors.TypeBatch, Message: "批处理目录不可用", Err: err}
		}
	}

	now := p.now()
	if err := p.updateParent(ctx, taskstore.Patch{
		Status:      taskstore.Ptr(taskstore.StatusProcessing),
		Progress:    taskstore.Ptr(0),
		TotalSteps:  taskstore.Ptr(total),
		TotalFiles:  taskstore.Ptr(total),
		FolderName:  taskstore.Ptr(env.FolderName),
		Worker:      taskstore.Ptr(worker),
		Message:     taskstore.Ptr(fmt.Sprintf("开始处理 %d 个文件", total)),
		StartedAt:   &now,
	}, env.TaskID); err != nil {
		return consumer.Outcome{}, err
	}

	var (
		processed int
		results   = make([]map[string]any, 0, total)
		failures  = make([]map[string]any, 0)
	)
	for i, path := range env.FilePaths {
		idx := i + 1
		filename := filepath.Base(path)
		if err := p.updateParent(ctx, taskstore.Patch{
			Progress:    taskstore.Ptr(int(float64(idx-1) / float64(total) * 100)),
			CurrentStep: taskstore.Ptr(idx),
			CurrentFile: taskstore.Ptr(idx),
			Processed:   taskstore.Ptr(processed),
			ErrorsCount: taskstore.Ptr(len(failures)),
			Message:     taskstore.Ptr(fmt.Sprintf("正在处理第 %d/%d 个文件: %s", idx, total, filename)),
		}, env.TaskID); err != nil {
			return consumer.Outcome{}, err
		}

		subID := fmt.Sprintf("%s_%d", env.TaskID, idx)
		res := p.runFile(ctx, fileJob{TaskID: subID, FilePath: path, Filename: filename, DisplayName: filename}, env.TaskID)
		if ctx.Err() != nil {
			return consumer.Outcome{}, ctx.Err()
		}

		switch {
		case res.err != nil:
			msg := res.err.Error()
			if te, ok := pkgerrors.AsTaskError(res.err); ok {
				msg = te.Message
			}
			logger.Warn("批处理文件失败", "file", filename, "error", res.err)
			failures = append(failures, map[string]any{
				"filename":  filename,
				"file_path": path,
				"error":     msg,
			})
		case res.outcome.Status == taskstore.StatusSkipped:
			results = append(results, map[string]any{
				"task_id":  subID,
				"filename": filename,
				"status":   string(taskstore.StatusSkipped),
				"reason":   res.outcome.Reason,
			})
		default:
			processed++
			entry := map[string]any{"task_id": subID}
			for k, v := range res.outcome.Result {
				entry[k] = v
			}
			results = append(results, entry)
		}
	}

	if err := p.updateParent(ctx, taskstore.Patch{
		CurrentFile: taskstore.Ptr(total),
		Processed:   taskstore.Ptr(processed),
		ErrorsCount: taskstore.Ptr(len(failures)),
	}, env.TaskID); err != nil {
		return consumer.Outcome{}, err
	}

	logger.Info("批处理完成", "total", total, "processed", processed, "errors", len(failures))
	return consumer.Outcome{
		Status:  taskstore.StatusCompleted,
		Message: fmt.Sprintf("批处理完成: %d 个成功, %d 个失败", processed, len(failures)),
		Result: map[string]any{
			"status":       "completed",
			"folder_name":  env.FolderName,
			"worker":       worker,
			"total_files":  total,
			"processed":    processed,
			"errors_count": len(failures),
			"results":      results,
			"errors":       failures,
			"completed_at": p.now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// runFile 在超时内执行单文件流程并写子记录终态
func (p *FolderProcessor) runFile(ctx context.Context, job fileJob, parentID string) fileResult {
	logger := p.logger.With("task_id", job.TaskID)
	if err := p.store.Create(ctx, taskstore.Task{
		TaskID:       job.TaskID,
		Type:         taskstore.TypeSingleFile,
		Filename:     job.Filename,
		DisplayName:  job.DisplayName,
		ParentTaskID: parentID,
	}); err != nil {
		logger.Warn("创建子任务记录失败", "error", err)
	}

	fctx, cancel := context.WithTimeout(ctx, p.fileTimeout)
	defer cancel()
	done := make(chan fileResult, 1)
	go func() {
		o, err := p.doc.process(fctx, NewStoreReporter(p.store, job.TaskID, p.logger), job)
		done <- fileResult{outcome: o, err: err}
	}()

	var res fileResult
	select {
	case res = <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = pkgerrors.NewTaskError(pkgerrors.TypeTimeout, "处理超时 (%s)", p.fileTimeout)
		}
	case <-fctx.Done():
		select {
		case <-done:
		case <-time.After(abandonGrace):
			logger.Warn("单文件流程超时后未退出", "file", job.Filename)
		}
		if ctx.Err() != nil {
			return fileResult{err: ctx.Err()}
		}
		res = fileResult{err: pkgerrors.NewTaskError(pkgerrors.TypeTimeout, "处理超时 (%s)", p.fileTimeout)}
	}
	if ctx.Err() != nil {
		return res
	}

	outcome := res.outcome
	switch {
	case errors.Is(res.err, consumer.ErrCancelled):
		res.err = pkgerrors.NewTaskError(pkgerrors.TypeValidation, "子任务已取消")
		return res
	case res.err != nil:
		outcome = consumer.FailedOutcome(res.err)
	case outcome.Status == "":
		outcome.Status = taskstore.StatusCompleted
	}
	if _, err := p.store.Update(context.WithoutCancel(ctx), job.TaskID, outcome.Patch(p.now())); err != nil {
		logger.Warn("写子任务终态失败", "status", outcome.Status, "error", err)
	}
	return res
}

// updateParent 写父记录；父任务已取消时返回 consumer.ErrCancelled
func (p *FolderProcessor) updateParent(ctx context.Context, patch taskstore.Patch, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if patch.Status == nil {
		patch.Status = taskstore.Ptr(taskstore.StatusProcessing)
	}
	_, err := p.store.Update(ctx, taskID, patch)
	switch {
	case err == nil, errors.Is(err, taskstore.ErrNotFound):
		return nil
	case errors.Is(err, taskstore.ErrTerminal):
		return consumer.ErrCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	}
	p.logger.Warn("写入批处理进度失败", "task_id", taskID, "error", err)
	return nil
}

// cleanupFolder 删除批处理的暂存目录
func (p *FolderProcessor) cleanupFolder(env *messaging.FolderEnvelope) {
	if env.FolderPath == "" {
		return
	}
	dir := filepath.Clean(p.doc.resolve(env.FolderPath))
	if dir == "/" || dir == "." || dir == filepath.Clean(p.doc.cfg.UploadDir) {
		p.logger.Warn("拒绝删除批处理目录", "task_id", env.TaskID, "path", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("删除批处理目录失败", "task_id", env.TaskID, "path", dir, "error", err)
	}
}
