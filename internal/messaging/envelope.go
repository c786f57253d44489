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

// Package messaging 各 routing key 的版本化消息体及其 JSON Schema 校验。
// 每个消息体自包含，消费者无需任何进程内状态即可处理。
package messaging

import (
	"time"

	"docflow/internal/runtime/taskstore"
)

// Version 当前消息体版本
const Version = 1

// TypeRevoke 取消广播的消息类型
const TypeRevoke taskstore.Type = "revoke"

// Envelope 所有消息体的公共视图
type Envelope interface {
	ID() string
	Kind() taskstore.Type
}

// FileEnvelope file.process：单文件处理
type FileEnvelope struct {
	Version     int            `json:"version"`
	TaskID      string         `json:"task_id"`
	Type        taskstore.Type `json:"type"`
	FilePath    string         `json:"file_path"`
	Filename    string         `json:"filename"`
	DisplayName string         `json:"display_name,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (e *FileEnvelope) ID() string           { return e.TaskID }
func (e *FileEnvelope) Kind() taskstore.Type { return e.Type }

// NewFileEnvelope 构造 file.process 消息
func NewFileEnvelope(taskID, filePath, filename string) *FileEnvelope {
	return &FileEnvelope{
		Version:   Version,
		TaskID:    taskID,
		Type:      taskstore.TypeSingleFile,
		FilePath:  filePath,
		Filename:  filename,
		CreatedAt: time.Now().UTC(),
	}
}

// FolderEnvelope folder.process：文件夹批处理
type FolderEnvelope struct {
	Version    int            `json:"version"`
	TaskID     string         `json:"task_id"`
	Type       taskstore.Type `json:"type"`
	FolderName string         `json:"folder_name"`
	FolderPath string         `json:"folder_path,omitempty"`
	FilePaths  []string       `json:"file_paths"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (e *FolderEnvelope) ID() string           { return e.TaskID }
func (e *FolderEnvelope) Kind() taskstore.Type { return e.Type }

// NewFolderEnvelope 构造 folder.process 消息
func NewFolderEnvelope(taskID, folderName, folderPath string, filePaths []string) *FolderEnvelope {
	return &FolderEnvelope{
		Version:    Version,
		TaskID:     taskID,
		Type:       taskstore.TypeFolder,
		FolderName: folderName,
		FolderPath: folderPath,
		FilePaths:  filePaths,
		CreatedAt:  time.Now().UTC(),
	}
}

// EmbeddingEnvelope embedding.process：分块结果交给 embedding worker
type EmbeddingEnvelope struct {
	Version      int            `json:"version"`
	TaskID       string         `json:"task_id"`
	Type         taskstore.Type `json:"type"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Document     Document       `json:"document"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (e *EmbeddingEnvelope) ID() string           { return e.TaskID }
func (e *EmbeddingEnvelope) Kind() taskstore.Type { return e.Type }

// NewEmbeddingEnvelope 构造 embedding.process 消息
func NewEmbeddingEnvelope(taskID, parentTaskID string, doc Document) *EmbeddingEnvelope {
	if doc.Chunks == nil {
		doc.Chunks = []Chunk{}
	}
	return &EmbeddingEnvelope{
		Version:      Version,
		TaskID:       taskID,
		Type:         taskstore.TypeEmbedding,
		ParentTaskID: parentTaskID,
		Document:     doc,
		CreatedAt:    time.Now().UTC(),
	}
}

// Document 文档分块结果
type Document struct {
	FileName      string  `json:"file_name"`
	FileExtension string  `json:"file_extension"`
	Chunks        []Chunk `json:"chunks"`
}

// Chunk 单个文本块
type Chunk struct {
	ChunkID  string        `json:"chunk_id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ChunkMetadata 文本块元数据
type ChunkMetadata struct {
	FilePath       string         `json:"file_path"`
	FileName       string         `json:"file_name"`
	FileExtension  string         `json:"file_extension"`
	ChunkIndex     int            `json:"chunk_index"`
	TotalChunks    int            `json:"total_chunks"`
	StartPosition  int            `json:"start_position"`
	EndPosition    int            `json:"end_position"`
	ParserMetadata map[string]any `json:"parser_metadata,omitempty"`
}

// RevokeEnvelope control.revoke：尽力而为的取消广播
type RevokeEnvelope struct {
	Version   int            `json:"version"`
	TaskID    string         `json:"task_id"`
	Type      taskstore.Type `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (e *RevokeEnvelope) ID() string           { return e.TaskID }
func (e *RevokeEnvelope) Kind() taskstore.Type { return e.Type }

// NewRevokeEnvelope 构造取消广播消息
func NewRevokeEnvelope(taskID, reason string) *RevokeEnvelope {
	return &RevokeEnvelope{Version: Version, TaskID: taskID, Type: TypeRevoke, Reason: reason, CreatedAt: time.Now().UTC()}
}
