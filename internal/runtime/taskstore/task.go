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

// Package taskstore 任务状态存储：每个任务一条带 TTL 的记录，只通过 read-merge-write 修改
package taskstore

import (
	"errors"
	"time"

	pkgerrors "docflow/pkg/errors"
)

// Status 任务状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSkipped    Status = "skipped"
)

// Terminal 终态之后不允许再迁移
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus 解析状态字符串
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return st, true
	}
	return "", false
}

// Type 任务类型
type Type string

const (
	TypeSingleFile Type = "single_file"
	TypeFolder     Type = "folder"
	TypeEmbedding  Type = "embedding"
)

// DefaultTotalSteps 文档处理路径固定 6 步
const DefaultTotalSteps = 6

var (
	// ErrNotFound 记录不存在或已过期；调用方应按预期结果处理
	ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "task status")
	// ErrTerminal 记录已处于终态，拒绝不同状态的更新
	ErrTerminal = errors.New("task status: already terminal")
)

// ErrorInfo 失败时写入记录的结构化错误
type ErrorInfo struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ExceptionType string `json:"exception_type,omitempty"`
}

// ErrorInfoFrom 从 TaskError 生成 ErrorInfo；非 TaskError 按 unexpected_error 处理
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	te, ok := pkgerrors.AsTaskError(err)
	if !ok {
		te = pkgerrors.Unexpected(err)
	}
	return &ErrorInfo{Type: string(te.Type), Message: te.Message, ExceptionType: te.ExceptionType}
}

// Task 任务状态记录
type Task struct {
	TaskID       string         `json:"task_id"`
	Type         Type           `json:"type"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	Message      string         `json:"message,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	FolderName   string         `json:"folder_name,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Worker       string         `json:"worker,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	Result       map[string]any `json:"result,omitempty"`

	TotalFiles  int `json:"total_files,omitempty"`
	CurrentFile int `json:"current_file,omitempty"`
	Processed   int `json:"processed,omitempty"`
	ErrorsCount int `json:"errors_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Patch 部分更新；nil 字段不触碰
type Patch struct {
	Status      *Status
	Progress    *int
	CurrentStep *int
	TotalSteps  *int
	Message     *string
	Filename    *string
	FolderName  *string
	DisplayName *string
	Worker      *string
	Reason      *string
	Error       *ErrorInfo
	Result      map[string]any

	TotalFiles  *int
	CurrentFile *int
	Processed   *int
	ErrorsCount *int

	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Ptr 取地址辅助，便于构造 Patch
func Ptr[T any](v T) *T { return &v }

// Apply 将 patch 合并进 t。终态记录只接受报告相同终态的 patch（重复投递幂等）。
// processing 期间 progress 不回退。
func (p Patch) Apply(t *Task, now time.Time) error {
	if t.Status.Terminal() {
		if p.Status == nil || *p.Status != t.Status {
			return ErrTerminal
		}
	}
	prevStatus, prevProgress := t.Status, t.Progress

	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		t.Progress = clamp(*p.Progress)
		if prevStatus == StatusProcessing && t.Status == StatusProcessing && t.Progress < prevProgress {
			t.Progress = prevProgress
		}
	}
	setInt(&t.CurrentStep, p.CurrentStep)
	setInt(&t.TotalSteps, p.TotalSteps)
	setString(&t.Message, p.Message)
	setString(&t.Filename, p.Filename)
	setString(&t.FolderName, p.FolderName)
	setString(&t.DisplayName, p.DisplayName)
	setString(&t.Worker, p.Worker)
	setString(&t.Reason, p.Reason)
	if p.Error != nil {
		t.Error = p.Error
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	setInt(&t.TotalFiles, p.TotalFiles)
	setInt(&t.CurrentFile, p.CurrentFile)
	setInt(&t.Processed, p.Processed)
	setInt(&t.ErrorsCount, p.ErrorsCount)
	if p.StartedAt != nil {
		t.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		t.FailedAt = p.FailedAt
	}

	// error 只在 failed 时出现，result 只在 completed 时出现
	if t.Status != StatusFailed {
		t.Error = nil
	}
	if t.Status != StatusCompleted {
		t.Result = nil
	}
	if t.Status.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.UpdatedAt = now
	return nil
}

// newRecord Create 使用：强制 pending，补齐时间戳与步数
func newRecord(t Task, now time.Time) Task {
	t.Status = StatusPending
	t.Error = nil
	t.Result = nil
	t.CompletedAt = nil
	t.FailedAt = nil
	if t.TotalSteps == 0 && t.Type != TypeFolder {
		t.TotalSteps = DefaultTotalSteps
	}
	t.Progress = clamp(t.Progress)
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
