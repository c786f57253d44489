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

// Package http Gateway：上传、任务状态、取消、检索代理与 WebSocket 通知
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/notify"
	"docflow/internal/pipeline/query"
	"docflow/internal/runtime/taskstore"
	"docflow/internal/storage/object"
	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
	"docflow/pkg/metrics"
)

// Publisher 发布消息，失败返回 false
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) bool
}

// Searcher 语义检索
type Searcher interface {
	Search(ctx context.Context, text string) query.Response
}

// Deps Handler 依赖；Hub 与 Searcher 可为 nil
type Deps struct {
	Store     taskstore.Store
	Publisher Publisher
	Hub       *notify.Hub
	Searcher  Searcher
	// Files 上传暂存，为空时使用 uploadDir 下的 FileStore
	Files  object.Store
	Logger *log.Logger
}

// Handler HTTP 处理器
type Handler struct {
	store     taskstore.Store
	publisher Publisher
	hub       *notify.Hub
	searcher  Searcher
	logger    *log.Logger
	files     object.Store
	now       func() time.Time
}

// NewHandler 创建 Handler
func NewHandler(deps Deps, uploadDir string) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	files := deps.Files
	if files == nil {
		files = object.NewFileStore(uploadDir)
	}
	return &Handler{
		store:     deps.Store,
		publisher: deps.Publisher,
		hub:       deps.Hub,
		searcher:  deps.Searcher,
		logger:    logger,
		files:     files,
		now:       time.Now,
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	resp := map[string]any{
		"status":    "healthy",
		"service":   "gateway",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if h.hub != nil {
		resp["connections"] = h.hub.ClientCount()
		resp["monitors"] = h.hub.MonitorCount()
	}
	c.JSON(consts.StatusOK, resp)
}

// Metrics Prometheus 文本格式指标
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func uploadedFiles(c *app.RequestContext) ([]*multipart.FileHeader, *multipart.Form, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}
	files := append([]*multipart.FileHeader{}, form.File["files"]...)
	files = append(files, form.File["file"]...)
	return files, form, nil
}

// SelectFile 上传 N 个文件，每个文件一个任务
// POST /select-file
func (h *Handler) SelectFile(ctx context.Context, c *app.RequestContext) {
	files, _, err := uploadedFiles(c)
	if err != nil || len(files) == 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请上传文件（multipart 字段 files）"})
		return
	}
	taskIDs := make([]string, 0, len(files))
	tasks := make([]map[string]string, 0, len(files))
	for _, fh := range files {
		taskID := uuid.NewString()
		filename := safeFilename(fh.Filename)
		key := taskID + "_" + filename
		dst, err := h.save(ctx, fh, key)
		if err != nil {
			h.logger.Error("保存上传文件失败", "filename", filename, "error", err)
			c.JSON(consts.StatusInternalServerError, map[string]any{"error": "保存文件失败: " + filename, "task_ids": taskIDs})
			return
		}
		if err := h.store.Create(ctx, taskstore.Task{
			TaskID:      taskID,
			Type:        taskstore.TypeSingleFile,
			Filename:    filename,
			DisplayName: filename,
			Message:     "等待处理",
		}); err != nil {
			_ = h.files.Delete(ctx, key)
			h.logger.Error("创建任务记录失败", "task_id", taskID, "error", err)
			c.JSON(consts.StatusInternalServerError, map[string]any{"error": "创建任务失败", "task_ids": taskIDs})
			return
		}
		env := messaging.NewFileEnvelope(taskID, dst, filename)
		env.DisplayName = filename
		if !h.publisher.Publish(ctx, broker.RoutingFileProcess, env) {
			h.abandon(ctx, taskID, key)
			c.JSON(consts.StatusInternalServerError, map[string]any{"error": "任务投递失败，请稍后重试", "task_ids": taskIDs})
			return
		}
		h.logger.Info("文件任务已创建", "task_id", taskID, "filename", filename)
		taskIDs = append(taskIDs, taskID)
		tasks = append(tasks, map[string]string{"task_id": taskID, "filename": filename})
	}
	c.JSON(consts.StatusOK, map[string]any{
		"status":   "queued",
		"task_ids": taskIDs,
		"tasks":    tasks,
		"count":    len(taskIDs),
	})
}

// SelectFolder 上传一批文件作为一个文件夹任务
// POST /select-folder
func (h *Handler) SelectFolder(ctx context.Context, c *app.RequestContext) {
	files, form, err := uploadedFiles(c)
	if err != nil || len(files) == 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请上传文件（multipart 字段 files）"})
		return
	}
	folderName := ""
	if v := form.Value["folder_name"]; len(v) > 0 {
		folderName = strings.TrimSpace(v[0])
	}
	if folderName == "" {
		folderName = "folder-" + h.now().Format("20060102-150405")
	}

	taskID := uuid.NewString()
	dirKey := "folder_" + taskID
	dir := h.files.Path(dirKey)
	paths := make([]string, 0, len(files))
	for i, fh := range files {
		// 序号前缀避免同名文件覆盖
		dst, err := h.save(ctx, fh, fmt.Sprintf("%s/%03d_%s", dirKey, i+1, safeFilename(fh.Filename)))
		if err != nil {
			h.logger.Error("保存上传文件失败", "filename", fh.Filename, "error", err)
			_ = h.files.Delete(ctx, dirKey)
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": "保存文件失败: " + fh.Filename})
			return
		}
		paths = append(paths, dst)
	}

	if err := h.store.Create(ctx, taskstore.Task{
		TaskID:     taskID,
		Type:       taskstore.TypeFolder,
		FolderName: folderName,
		TotalFiles: len(paths),
		TotalSteps: len(paths),
		Message:    "等待处理",
	}); err != nil {
		_ = h.files.Delete(ctx, dirKey)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "创建任务失败"})
		return
	}
	if !h.publisher.Publish(ctx, broker.RoutingFolderProcess, messaging.NewFolderEnvelope(taskID, folderName, dir, paths)) {
		h.abandon(ctx, taskID, dirKey)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "任务投递失败，请稍后重试"})
		return
	}
	h.logger.Info("文件夹任务已创建", "task_id", taskID, "folder_name", folderName, "files", len(paths))
	c.JSON(consts.StatusOK, map[string]any{
		"status":      "queued",
		"task_id":     taskID,
		"folder_name": folderName,
		"total_files": len(paths),
	})
}

// save 把上传文件写入暂存，返回 worker 读取的路径
func (h *Handler) save(ctx context.Context, fh *multipart.FileHeader, key string) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := h.files.Put(ctx, key, f)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// abandon 投递失败：记录 transport_error 并删除上传内容
func (h *Handler) abandon(ctx context.Context, taskID, key string) {
	if err := h.files.Delete(context.WithoutCancel(ctx), key); err != nil {
		h.logger.Warn("删除上传内容失败", "task_id", taskID, "error", err)
	}
	now := h.now()
	info := taskstore.ErrorInfoFrom(pkgerrors.Transport(errors.New("publish failed"), "任务投递失败"))
	if _, err := h.store.Update(context.WithoutCancel(ctx), taskID, taskstore.Patch{
		Status:   taskstore.Ptr(taskstore.StatusFailed),
		Error:    info,
		Message:  taskstore.Ptr(info.Message),
		FailedAt: &now,
	}); err != nil {
		h.logger.Warn("记录投递失败状态失败", "task_id", taskID, "error", err)
	}
}

// TaskStatus 查询任务状态；记录过期时返回 not_found 而不是错误码
// GET /task-status/:id
func (h *Handler) TaskStatus(ctx context.Context, c *app.RequestContext) {
	taskID := c.Param("id")
	task, err := h.store.Get(ctx, taskID)
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		c.JSON(consts.StatusOK, map[string]string{
			"task_id": taskID,
			"status":  "not_found",
			"message": "任务不存在或已过期",
		})
	case err != nil:
		h.logger.Error("读取任务状态失败", "task_id", taskID, "error", err)
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "状态存储不可用"})
	default:
		c.JSON(consts.StatusOK, task)
	}
}

// cancel 置 cancelled 并广播撤销
func (h *Handler) cancel(ctx context.Context, taskID, reason string) (*taskstore.Task, error) {
	now := h.now()
	task, err := h.store.Update(ctx, taskID, taskstore.Patch{
		Status:      taskstore.Ptr(taskstore.StatusCancelled),
		Message:     taskstore.Ptr("任务已取消"),
		Reason:      taskstore.Ptr(reason),
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !h.publisher.Publish(ctx, broker.RoutingRevoke, messaging.NewRevokeEnvelope(taskID, reason)) {
		h.logger.Warn("撤销广播失败，依赖 worker 的状态检查", "task_id", taskID)
	}
	h.logger.Info("任务已取消", "task_id", taskID)
	return task, nil
}

// CancelTask 取消单个任务
// DELETE /task-cancel/:id
func (h *Handler) CancelTask(ctx context.Context, c *app.RequestContext) {
	taskID := c.Param("id")
	task, err := h.cancel(ctx, taskID, "user_cancelled")
	switch {
	case err == nil:
		c.JSON(consts.StatusOK, map[string]any{"task_id": taskID, "status": task.Status, "message": "任务已取消"})
	case errors.Is(err, taskstore.ErrNotFound):
		c.JSON(consts.StatusNotFound, map[string]string{"task_id": taskID, "error": "任务不存在或已过期"})
	case errors.Is(err, taskstore.ErrTerminal):
		c.JSON(consts.StatusConflict, map[string]string{"task_id": taskID, "error": "任务已结束，无法取消"})
	default:
		h.logger.Error("取消任务失败", "task_id", taskID, "error", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"task_id": taskID, "error": "取消失败: " + err.Error()})
	}
}

type cancelBatchRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// CancelBatch 批量取消，逐个报告结果
// POST /tasks-cancel-batch
func (h *Handler) CancelBatch(ctx context.Context, c *app.RequestContext) {
	var req cancelBatchRequest
	if err := sonic.Unmarshal(c.Request.Body(), &req); err != nil || len(req.TaskIDs) == 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "task_ids 不能为空"})
		return
	}
	cancelled := make([]string, 0, len(req.TaskIDs))
	failures := make([]map[string]string, 0)
	for _, id := range req.TaskIDs {
		if _, err := h.cancel(ctx, id, "batch_cancelled"); err != nil {
			msg := err.Error()
			switch {
			case errors.Is(err, taskstore.ErrNotFound):
				msg = "任务不存在或已过期"
			case errors.Is(err, taskstore.ErrTerminal):
				msg = "任务已结束"
			}
			failures = append(failures, map[string]string{"task_id": id, "error": msg})
			continue
		}
		cancelled = append(cancelled, id)
	}
	c.JSON(consts.StatusOK, map[string]any{
		"status":          "success",
		"cancelled":       cancelled,
		"cancelled_count": len(cancelled),
		"errors":          failures,
		"errors_count":    len(failures),
	})
}

type messageRequest struct {
	Message string `json:"message"`
	Query   string `json:"query"`
}

// Message 语义检索代理
// POST /message
func (h *Handler) Message(ctx context.Context, c *app.RequestContext) {
	var req messageRequest
	if err := sonic.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusOK, query.Response{Status: query.StatusError, Message: "请求体不是合法 JSON", Results: []query.Hit{}})
		return
	}
	text := req.Message
	if text == "" {
		text = req.Query
	}
	if h.searcher == nil {
		c.JSON(consts.StatusOK, query.Response{Status: query.StatusError, Message: "检索服务未配置", Results: []query.Hit{}})
		return
	}
	c.JSON(consts.StatusOK, h.searcher.Search(ctx, text))
}

// ActiveTasks 通知中心正在监控的任务
// GET /tasks/active
func (h *Handler) ActiveTasks(ctx context.Context, c *app.RequestContext) {
	active := []notify.ActiveTask{}
	if h.hub != nil {
		active = h.hub.Active()
	}
	c.JSON(consts.StatusOK, map[string]any{"tasks": active, "total": len(active)})
}

type broadcastRequest struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// Broadcast 向所有 WebSocket 连接推送运维通知
// POST /broadcast
func (h *Handler) Broadcast(ctx context.Context, c *app.RequestContext) {
	var req broadcastRequest
	if err := sonic.Unmarshal(c.Request.Body(), &req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "message 不能为空"})
		return
	}
	delivered := 0
	if h.hub != nil {
		delivered = h.hub.Broadcast(req.Message, req.Data)
	}
	c.JSON(consts.StatusOK, map[string]any{"status": "sent", "delivered": delivered})
}

// safeFilename 只保留 base name
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
