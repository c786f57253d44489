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

// Package notify WebSocket 通知中心：按 task 订阅，每个被订阅的任务只有一个轮询 monitor
package notify

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"docflow/internal/runtime/taskstore"
	"docflow/pkg/log"
	"docflow/pkg/metrics"
)

// 出站消息类型
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeTaskUpdate   = "task_update"
	TypeBroadcast    = "broadcast"
)

// StatusNotFound 记录不存在或已过期时推送的状态
const StatusNotFound taskstore.Status = "not_found"

// Conn WebSocket 连接；同一连接的写入由 Hub 串行化
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// StatusReader 只读的状态存储视图
type StatusReader interface {
	Get(ctx context.Context, taskID string) (*taskstore.Task, error)
}

// Config Hub 配置
type Config struct {
	PollInterval time.Duration
	SendTimeout  time.Duration
}

// TaskUpdate 任务状态推送，字段与状态记录平铺
type TaskUpdate struct {
	Type string `json:"type"`
	*taskstore.Task
}

type client struct {
	id   string
	conn Conn
	mu   sync.Mutex
}

type monitor struct {
	cancel context.CancelFunc
	// fresh 加入运行中 monitor、还没收到当前快照的订阅者，由 h.mu 保护
	fresh map[string]struct{}
}

// Hub 管理连接、订阅与 monitor
type Hub struct {
	store  StatusReader
	logger *log.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	clients  map[string]*client
	subs     map[string]map[string]struct{}
	monitors map[string]*monitor
}

// NewHub 创建 Hub
func NewHub(store StatusReader, logger *log.Logger, cfg Config) *Hub {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*client),
		subs:     make(map[string]map[string]struct{}),
		monitors: make(map[string]*monitor),
	}
}

// Connect 登记连接；同一 client_id 重连时旧连接被断开
func (h *Hub) Connect(clientID string, conn Conn) {
	h.connect(clientID, conn)
}

func (h *Hub) connect(clientID string, conn Conn) *client {
	h.mu.Lock()
	old := h.clients[clientID]
	h.mu.Unlock()
	if old != nil {
		h.remove(clientID, old)
	}

	c := &client{id: clientID, conn: conn}
	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.logger.Info("WebSocket 已连接", "client_id", clientID)
	return c
}

// Disconnect 移除连接及其全部订阅，停止没有订阅者的 monitor
func (h *Hub) Disconnect(clientID string) {
	h.remove(clientID, nil)
}

// remove only 非 nil 时仅当登记的仍是该连接才移除
func (h *Hub) remove(clientID string, only *client) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok || (only != nil && c != only) {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for taskID, set := range h.subs {
		if _, ok := set[clientID]; ok {
			delete(set, clientID)
			h.dropIfEmptyLocked(taskID)
		}
	}
	h.mu.Unlock()

	metrics.WSConnections.Dec()
	_ = c.conn.Close()
	h.logger.Info("WebSocket 已断开", "client_id", clientID)
}

// Subscribe 订阅任务；第一个订阅者启动 monitor
func (h *Hub) Subscribe(clientID, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok || taskID == "" {
		return false
	}
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[string]struct{})
		h.subs[taskID] = set
	}
	set[clientID] = struct{}{}
	if m, running := h.monitors[taskID]; running {
		// 下一次轮询即使状态未变也向它推送当前快照
		m.fresh[clientID] = struct{}{}
	} else {
		h.startMonitorLocked(taskID)
	}
	return true
}

// Unsubscribe 取消订阅；没有订阅者时停止 monitor
func (h *Hub) Unsubscribe(clientID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[taskID]
	if !ok {
		return
	}
	delete(set, clientID)
	h.dropIfEmptyLocked(taskID)
}

func (h *Hub) dropIfEmptyLocked(taskID string) {
	if len(h.subs[taskID]) > 0 {
		return
	}
	delete(h.subs, taskID)
	if m, ok := h.monitors[taskID]; ok {
		m.cancel()
		delete(h.monitors, taskID)
		metrics.HubMonitors.Dec()
	}
}

func (h *Hub) startMonitorLocked(taskID string) {
	ctx, cancel := context.WithCancel(h.ctx)
	m := &monitor{cancel: cancel, fresh: make(map[string]struct{})}
	h.monitors[taskID] = m
	metrics.HubMonitors.Inc()
	h.wg.Add(1)
	go h.run(ctx, taskID, m)
}

// run 轮询状态存储，变化时推送；观察到终态后推送最后一次并退出
func (h *Hub) run(ctx context.Context, taskID string, m *monitor) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		update, final, ok := h.poll(ctx, taskID)
		if ok {
			snapshot, err := sonic.Marshal(update)
			changed := err == nil && !bytes.Equal(snapshot, last)
			if changed {
				last = snapshot
			}
			if final {
				h.fanout(h.finish(taskID, m, changed), update)
				return
			}
			h.fanout(h.audience(taskID, m, changed), update)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll 读一次状态；读失败时 ok=false，下次再试
func (h *Hub) poll(ctx context.Context, taskID string) (update TaskUpdate, final, ok bool) {
	task, err := h.store.Get(ctx, taskID)
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return TaskUpdate{Type: TypeTaskUpdate, Task: &taskstore.Task{TaskID: taskID, Status: StatusNotFound}}, true, true
	case err != nil:
		if ctx.Err() == nil {
			h.logger.Debug("monitor 读取状态失败", "task_id", taskID, "error", err)
		}
		return TaskUpdate{}, false, false
	}
	return TaskUpdate{Type: TypeTaskUpdate, Task: task}, task.Status.Terminal(), true
}

// audience 本轮应收到推送的订阅者：状态变化时为全部订阅者，否则只有新加入的。
// monitor 已被替换（取消后重新订阅）时返回空
func (h *Hub) audience(taskID string, m *monitor, changed bool) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audienceLocked(taskID, m, changed)
}

func (h *Hub) audienceLocked(taskID string, m *monitor, changed bool) []*client {
	if h.monitors[taskID] != m {
		return nil
	}
	defer clear(m.fresh)
	if changed {
		return h.subscribersLocked(taskID)
	}
	set := h.subs[taskID]
	out := make([]*client, 0, len(m.fresh))
	for id := range m.fresh {
		if _, subscribed := set[id]; !subscribed {
			continue
		}
		if c, ok := h.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// finish 终态时移除 monitor 与订阅，返回应收到终态推送的订阅者
func (h *Hub) finish(taskID string, m *monitor, changed bool) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.monitors[taskID] != m {
		return nil
	}
	out := h.audienceLocked(taskID, m, changed)
	delete(h.subs, taskID)
	delete(h.monitors, taskID)
	m.cancel()
	metrics.HubMonitors.Dec()
	return out
}

func (h *Hub) subscribersLocked(taskID string) []*client {
	set := h.subs[taskID]
	out := make([]*client, 0, len(set))
	for id := range set {
		if c, ok := h.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// fanout 逐个发送；发送失败只断开该连接
func (h *Hub) fanout(clients []*client, msg any) int {
	sent := 0
	for _, c := range clients {
		if err := h.send(c, msg); err != nil {
			h.logger.Warn("推送失败，断开连接", "client_id", c.id, "error", err)
			h.remove(c.id, c)
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) send(c *client, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// SendTo 向单个连接发送
func (h *Hub) SendTo(clientID string, msg any) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return errors.New("notify: unknown client " + clientID)
	}
	if err := h.send(c, msg); err != nil {
		h.remove(clientID, c)
		return err
	}
	return nil
}

// Broadcast 推送给所有连接，返回成功数
func (h *Hub) Broadcast(message string, data map[string]any) int {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	msg := map[string]any{
		"type":      TypeBroadcast,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if data != nil {
		msg["data"] = data
	}
	return h.fanout(clients, msg)
}

// ActiveTask 一个被监控的任务
type ActiveTask struct {
	TaskID      string `json:"task_id"`
	Subscribers int    `json:"subscribers"`
}

// Active 当前有 monitor 的任务（按 task_id 排序）
func (h *Hub) Active() []ActiveTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ActiveTask, 0, len(h.monitors))
	for taskID := range h.monitors {
		out = append(out, ActiveTask{TaskID: taskID, Subscribers: len(h.subs[taskID])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// MonitorCount monitor 数
func (h *Hub) MonitorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.monitors)
}

// HasMonitor 任务是否有 monitor
func (h *Hub) HasMonitor(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.monitors[taskID]
	return ok
}

// ClientCount 连接数
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 停止全部 monitor 并关闭连接
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
	h.mu.Lock()
	for taskID := range h.monitors {
		delete(h.monitors, taskID)
		metrics.HubMonitors.Dec()
	}
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}
