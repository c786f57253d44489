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

package consumer

import (
	"context"
	"errors"
	"time"

	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	pkgerrors "docflow/pkg/errors"
	"docflow/pkg/log"
	"docflow/pkg/metrics"
	"docflow/pkg/retry"
	"docflow/pkg/tracing"
)

// DispatcherConfig Dispatcher 配置
type DispatcherConfig struct {
	// TerminalWriteRetries 终态写入失败后的重试次数，<1 时按 1 处理
	TerminalWriteRetries int
	RetryDelay           time.Duration
}

// Dispatcher 逐条消息分发：解析、取消/幂等检查、调用处理器、写终态、确认
type Dispatcher struct {
	registry    *Registry
	store       taskstore.Store
	revocations *Revocations
	logger      *log.Logger
	retryCfg    *retry.Config
	now         func() time.Time
}

// NewDispatcher 创建 Dispatcher；revocations 可为 nil
func NewDispatcher(registry *Registry, store taskstore.Store, revocations *Revocations, logger *log.Logger, cfg DispatcherConfig) *Dispatcher {
	if revocations == nil {
		revocations = NewRevocations()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	retries := cfg.TerminalWriteRetries
	if retries < 1 {
		retries = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Dispatcher{
		registry:    registry,
		store:       store,
		revocations: revocations,
		logger:      logger,
		retryCfg:    &retry.Config{MaxAttempts: retries + 1, InitialDelay: delay, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true},
		now:         time.Now,
	}
}

// Dispatch 处理一条投递。除 worker 停止与未预期错误外，所有分支都在返回前 Ack。
// 返回的错误只用于记录，确认/拒绝已在内部完成。
func (d *Dispatcher) Dispatch(ctx context.Context, dv broker.Delivery) error {
	start := d.now()
	env, err := messaging.Decode(dv.RoutingKey, dv.Body)
	if err != nil {
		return d.reject(ctx, dv, err)
	}

	taskID := env.ID()
	logger := d.logger.With("task_id", taskID, "routing_key", dv.RoutingKey)
	h, ok := d.registry.Lookup(dv.RoutingKey)
	if !ok {
		logger.Error("没有对应的处理器，消息进入死信")
		d.settle(dv, logger, "dead_lettered", func() error { return dv.Nack(false) })
		return pkgerrors.NewTaskError(pkgerrors.TypeConsumer, "no handler for %s", dv.RoutingKey)
	}

	ctx, span := tracing.StartTaskSpan(ctx, taskID, string(env.Kind()), dv.RoutingKey)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	rec, err := d.store.Get(ctx, taskID)
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		// 记录过期或从未创建：照常处理，状态写入会得到 not found
		logger.Warn("任务状态不存在，继续处理")
	case err != nil:
		logger.Error("读取任务状态失败，消息重新入队", "error", err)
		d.settle(dv, logger, "requeued", func() error { return dv.Nack(true) })
		spanErr = err
		return err
	case rec.Status == taskstore.StatusCancelled || d.revocations.IsRevoked(taskID):
		logger.Info("任务已取消，清理后确认")
		h.Cleanup(env)
		d.settle(dv, logger, "acked", dv.Ack)
		return nil
	case rec.Status.Terminal():
		logger.Info("任务已是终态，按重复投递确认", "status", rec.Status)
		h.Cleanup(env)
		d.settle(dv, logger, "acked", dv.Ack)
		return nil
	}

	runCtx, release := d.revocations.Track(ctx, taskID)
	outcome, herr := h.Handle(runCtx, env)
	revoked := runCtx.Err() != nil && ctx.Err() == nil
	release()
	// 重新入队的消息还要用到上传的文件
	if herr == nil || ctx.Err() == nil {
		h.Cleanup(env)
	}

	kind := string(env.Kind())
	metrics.TaskDuration.WithLabelValues(kind).Observe(d.now().Sub(start).Seconds())

	switch {
	case herr != nil && ctx.Err() != nil:
		// worker 停止：不写终态，交回 broker 重新投递
		logger.Warn("worker 停止，消息重新入队", "error", herr)
		d.settle(dv, logger, "requeued", func() error { return dv.Nack(true) })
		spanErr = ctx.Err()
		return ctx.Err()
	case errors.Is(herr, ErrCancelled) || (herr != nil && revoked):
		logger.Info("处理中观察到取消")
		metrics.TaskTotal.WithLabelValues(kind, string(taskstore.StatusCancelled)).Inc()
		d.settle(dv, logger, "acked", dv.Ack)
		return nil
	case herr == nil:
		if outcome.Status == "" {
			outcome.Status = taskstore.StatusCompleted
		}
		d.finish(ctx, logger, taskID, kind, outcome)
		d.settle(dv, logger, "acked", dv.Ack)
		return nil
	case pkgerrors.IsAnticipated(herr):
		logger.Warn("任务失败", "error", herr)
		d.finish(ctx, logger, taskID, kind, FailedOutcome(herr))
		d.settle(dv, logger, "acked", dv.Ack)
		return nil
	default:
		logger.Error("任务出现未预期错误", "error", herr)
		d.finish(ctx, logger, taskID, kind, FailedOutcome(herr))
		d.settle(dv, logger, "dead_lettered", func() error { return dv.Nack(false) })
		spanErr = herr
		return herr
	}
}

// reject 解析失败：无 task_id 的消息确认后丢弃；schema 不合法的拒绝进入死信
func (d *Dispatcher) reject(ctx context.Context, dv broker.Delivery, err error) error {
	logger := d.logger.With("routing_key", dv.RoutingKey, "queue", dv.Queue)
	if errors.Is(err, messaging.ErrMalformed) {
		logger.Warn("丢弃无法解析的消息", "error", err)
		d.settle(dv, logger, "dropped", dv.Ack)
		return nil
	}
	logger.Warn("消息未通过校验，进入死信", "error", err)
	var de *messaging.DecodeError
	if errors.As(err, &de) && de.TaskID != "" {
		te := pkgerrors.NewTaskError(pkgerrors.TypeConsumer, "%v", err)
		d.finish(ctx, logger.With("task_id", de.TaskID), de.TaskID, "unknown", FailedOutcome(te))
	}
	d.settle(dv, logger, "dead_lettered", func() error { return dv.Nack(false) })
	return nil
}

// finish 写终态，传输错误时至少重试一次
func (d *Dispatcher) finish(ctx context.Context, logger *log.Logger, taskID, kind string, o Outcome) {
	patch := o.Patch(d.now())

	// worker 停止时也要尽量写完终态
	wctx := context.WithoutCancel(ctx)
	err := retry.DoWithContext(wctx, func(ctx context.Context) error {
		_, err := d.store.Update(ctx, taskID, patch)
		return err
	}, d.retryCfg, func(err error) bool {
		return !errors.Is(err, taskstore.ErrNotFound) && !errors.Is(err, taskstore.ErrTerminal)
	})
	switch {
	case err == nil:
		metrics.TaskTotal.WithLabelValues(kind, string(o.Status)).Inc()
		logger.Info("任务进入终态", "status", o.Status)
	case errors.Is(err, taskstore.ErrNotFound):
		logger.Warn("写终态时任务状态不存在", "status", o.Status)
	case errors.Is(err, taskstore.ErrTerminal):
		logger.Info("任务已由其他路径进入终态", "status", o.Status)
	default:
		logger.Error("写终态失败", "status", o.Status, "error", err)
	}
}

func (d *Dispatcher) settle(dv broker.Delivery, logger *log.Logger, outcome string, fn func() error) {
	if err := fn(); err != nil {
		logger.Error("确认消息失败", "outcome", outcome, "error", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(dv.Queue, outcome).Inc()
}

// FailedOutcome 由错误构造 failed 终态
func FailedOutcome(err error) Outcome {
	info := taskstore.ErrorInfoFrom(err)
	return Outcome{
		Status:  taskstore.StatusFailed,
		Message: info.Message,
		Error:   info,
	}
}
