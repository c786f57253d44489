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

// Package ingest 文档入库流水线：单文件 6 步处理、文件夹批处理与 embedding 阶段
package ingest

import (
	"context"
	"errors"
	"time"

	"docflow/internal/consumer"
	"docflow/internal/runtime/taskstore"
	"docflow/pkg/log"
	"docflow/pkg/tracing"
)

// Step 文档处理步骤，闭集 1..6
type Step int

const (
	StepDedup Step = iota + 1
	StepLocate
	StepParse
	StepChunk
	StepMetadata
	StepHandoff
)

// TotalSteps 步骤总数
const TotalSteps = int(StepHandoff)

var stepInfo = map[Step]struct {
	progress int
	message  string
}{
	StepDedup:    {15, "检查是否已入库"},
	StepLocate:   {30, "定位文件"},
	StepParse:    {45, "解析文档"},
	StepChunk:    {60, "文本分块"},
	StepMetadata: {75, "生成分块元数据"},
	StepHandoff:  {90, "提交向量化"},
}

// Steps 按顺序返回全部步骤
func Steps() []Step {
	return []Step{StepDedup, StepLocate, StepParse, StepChunk, StepMetadata, StepHandoff}
}

// Valid 是否为已定义的步骤
func (s Step) Valid() bool {
	_, ok := stepInfo[s]
	return ok
}

// Progress 进入该步骤时上报的进度
func (s Step) Progress() int { return stepInfo[s].progress }

// Message 步骤说明
func (s Step) Message() string { return stepInfo[s].message }

// StartInfo 任务开始处理时写入的信息
type StartInfo struct {
	Filename    string
	DisplayName string
	Worker      string
}

// ProgressReporter 处理流水线的进度上报。每次上报同时是一次取消检查点：
// 任务已取消时返回 consumer.ErrCancelled，ctx 结束时返回 ctx.Err()。
type ProgressReporter interface {
	Begin(ctx context.Context, info StartInfo) error
	Step(ctx context.Context, step Step) error
}

// StoreReporter 写状态存储的 ProgressReporter
type StoreReporter struct {
	store  taskstore.Store
	taskID string
	logger *log.Logger
	now    func() time.Time
}

// NewStoreReporter 创建针对某个任务的 reporter
func NewStoreReporter(store taskstore.Store, taskID string, logger *log.Logger) *StoreReporter {
	if logger == nil {
		logger = log.NewNop()
	}
	return &StoreReporter{store: store, taskID: taskID, logger: logger, now: time.Now}
}

// Begin 置 processing、0%、第 1 步
func (r *StoreReporter) Begin(ctx context.Context, info StartInfo) error {
	now := r.now()
	return r.write(ctx, taskstore.Patch{
		Status:      taskstore.Ptr(taskstore.StatusProcessing),
		Progress:    taskstore.Ptr(0),
		CurrentStep: taskstore.Ptr(int(StepDedup)),
		TotalSteps:  taskstore.Ptr(TotalSteps),
		Message:     taskstore.Ptr("开始处理"),
		Filename:    taskstore.Ptr(info.Filename),
		DisplayName: taskstore.Ptr(info.DisplayName),
		Worker:      taskstore.Ptr(info.Worker),
		StartedAt:   &now,
	})
}

// Step 进入某一步骤
func (r *StoreReporter) Step(ctx context.Context, step Step) (err error) {
	if !step.Valid() {
		return errors.New("ingest: unknown step")
	}
	ctx, span := tracing.StartStepSpan(ctx, r.taskID, int(step), step.Message())
	defer func() { tracing.EndSpan(span, err) }()
	return r.write(ctx, taskstore.Patch{
		Status:      taskstore.Ptr(taskstore.StatusProcessing),
		Progress:    taskstore.Ptr(step.Progress()),
		CurrentStep: taskstore.Ptr(int(step)),
		Message:     taskstore.Ptr(step.Message()),
	})
}

func (r *StoreReporter) write(ctx context.Context, patch taskstore.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.store.Update(ctx, r.taskID, patch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, taskstore.ErrTerminal):
		// 只有取消会在处理中把记录置为终态
		return consumer.ErrCancelled
	case errors.Is(err, taskstore.ErrNotFound):
		// 记录过期不影响处理
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// 进度写入失败只影响可见性
	r.logger.Warn("写入进度失败", "task_id", r.taskID, "error", err)
	return nil
}

// nopReporter 不上报进度，只检查 ctx
type nopReporter struct{}

func (nopReporter) Begin(ctx context.Context, _ StartInfo) error { return ctx.Err() }
func (nopReporter) Step(ctx context.Context, _ Step) error       { return ctx.Err() }
