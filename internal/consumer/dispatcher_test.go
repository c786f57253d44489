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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/runtime/taskstore"
	pkgerrors "docflow/pkg/errors"
)

// settleRecorder 记录 Delivery 的确认方式
type settleRecorder struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (r *settleRecorder) delivery(routingKey string, body []byte) broker.Delivery {
	return broker.NewDelivery(broker.Message{RoutingKey: routingKey, Queue: "q", Body: body},
		func() error {
			r.mu.Lock()
			r.acked = true
			r.mu.Unlock()
			return nil
		},
		func(requeue bool) error {
			r.mu.Lock()
			r.nacked, r.requeue = true, requeue
			r.mu.Unlock()
			return nil
		})
}

type fakeHandler struct {
	calls    atomic.Int32
	cleanups atomic.Int32
	fn       func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error)
}

func (f *fakeHandler) handler() Handler {
	return Typed[*messaging.FileEnvelope]{
		HandleFunc: func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
			f.calls.Add(1)
			return f.fn(ctx, env)
		},
		CleanupFunc: func(env *messaging.FileEnvelope) { f.cleanups.Add(1) },
	}
}

func setup(t *testing.T, fn func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error)) (*Dispatcher, *taskstore.MemoryStore, *fakeHandler) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	fh := &fakeHandler{fn: fn}
	reg := NewRegistry()
	require.NoError(t, reg.Register(broker.RoutingFileProcess, fh.handler()))
	d := NewDispatcher(reg, store, nil, nil, DispatcherConfig{TerminalWriteRetries: 1, RetryDelay: time.Millisecond})
	return d, store, fh
}

func fileBody(t *testing.T, taskID string) []byte {
	t.Helper()
	b, err := messaging.Encode(messaging.NewFileEnvelope(taskID, "uploads/a.txt", "a.txt"))
	require.NoError(t, err)
	return b
}

func createPending(t *testing.T, store taskstore.Store, taskID string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), taskstore.Task{TaskID: taskID, Type: taskstore.TypeSingleFile, Filename: "a.txt"}))
}

func TestDispatch_SuccessWritesCompletedAndAcks(t *testing.T) {
	d, store, fh := setup(t, func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		return Outcome{Status: taskstore.StatusCompleted, Result: map[string]any{"chunks_count": 3}}, nil
	})
	createPending(t, store, "t1")
	rec := &settleRecorder{}

	require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))))
	assert.True(t, rec.acked)
	assert.False(t, rec.nacked)
	assert.Equal(t, int32(1), fh.cleanups.Load())

	got, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.EqualValues(t, 3, got.Result["chunks_count"])
}

func TestDispatch_AcksInEveryAnticipatedBranch(t *testing.T) {
	tests := []struct {
		name       string
		outcome    Outcome
		err        error
		wantStatus taskstore.Status
		wantType   string
	}{
		{"skip", Outcome{Status: taskstore.StatusSkipped, Reason: "already_exists"}, nil, taskstore.StatusSkipped, ""},
		{"unsupported", Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeUnsupportedFormat, "format .exe"), taskstore.StatusFailed, "unsupported_format"},
		{"missing file", Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeFileNotFound, "gone"), taskstore.StatusFailed, "file_not_found"},
		{"empty", Outcome{}, pkgerrors.NewTaskError(pkgerrors.TypeValidation, "empty"), taskstore.StatusFailed, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, store, _ := setup(t, func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
				return tt.outcome, tt.err
			})
			createPending(t, store, "t1")
			rec := &settleRecorder{}
			require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))))
			assert.True(t, rec.acked, "must ack")
			assert.False(t, rec.nacked, "must not redeliver")

			got, err := store.Get(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantType != "" {
				require.NotNil(t, got.Error)
				assert.Equal(t, tt.wantType, got.Error.Type)
			}
		})
	}
}

func TestDispatch_UnexpectedErrorRecordsAndDeadLetters(t *testing.T) {
	d, store, _ := setup(t, func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		return Outcome{}, errors.New("segfault in parser")
	})
	createPending(t, store, "t1")
	rec := &settleRecorder{}

	err := d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1")))
	require.Error(t, err)
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)

	got, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, taskstore.StatusFailed, got.Status)
	assert.Equal(t, "unexpected_error", got.Error.Type)
	assert.NotEmpty(t, got.Error.ExceptionType)
}

func TestDispatch_MalformedIsAckedAndDropped(t *testing.T) {
	d, _, fh := setup(t, nil)
	for _, body := range []string{`not json`, `{"type":"single_file"}`} {
		rec := &settleRecorder{}
		require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, []byte(body))))
		assert.True(t, rec.acked, body)
		assert.False(t, rec.nacked, body)
	}
	assert.Zero(t, fh.calls.Load())
}

func TestDispatch_SchemaInvalidIsDeadLettered(t *testing.T) {
	d, store, fh := setup(t, nil)
	createPending(t, store, "t1")
	rec := &settleRecorder{}
	body := []byte(`{"task_id":"t1","type":"single_file","filename":"a.txt"}`)

	require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, body)))
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)
	assert.Zero(t, fh.calls.Load())

	got, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, taskstore.StatusFailed, got.Status)
	assert.Equal(t, "consumer_error", got.Error.Type)
}

func TestDispatch_CancelledBeforeStartCleansUp(t *testing.T) {
	d, store, fh := setup(t, nil)
	createPending(t, store, "t1")
	_, err := store.Update(context.Background(), "t1", taskstore.Patch{Status: taskstore.Ptr(taskstore.StatusCancelled)})
	require.NoError(t, err)
	rec := &settleRecorder{}

	require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))))
	assert.True(t, rec.acked)
	assert.Zero(t, fh.calls.Load())
	assert.Equal(t, int32(1), fh.cleanups.Load())
}

func TestDispatch_DuplicateOfTerminalTaskIsSkipped(t *testing.T) {
	d, store, fh := setup(t, func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		return Outcome{Status: taskstore.StatusCompleted}, nil
	})
	createPending(t, store, "t1")
	body := fileBody(t, "t1")

	first := &settleRecorder{}
	require.NoError(t, d.Dispatch(context.Background(), first.delivery(broker.RoutingFileProcess, body)))
	second := &settleRecorder{}
	require.NoError(t, d.Dispatch(context.Background(), second.delivery(broker.RoutingFileProcess, body)))

	assert.Equal(t, int32(1), fh.calls.Load(), "redelivery must not redo work")
	assert.True(t, second.acked)
}

func TestDispatch_HandlerObservesCancellation(t *testing.T) {
	d, store, _ := setup(t, func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		return Outcome{}, ErrCancelled
	})
	createPending(t, store, "t1")
	rec := &settleRecorder{}
	require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))))
	assert.True(t, rec.acked)
	got, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, taskstore.StatusPending, got.Status, "dispatcher must not overwrite the canceller's status")
}

func TestDispatch_RevokeInterruptsInflight(t *testing.T) {
	started := make(chan struct{})
	store := taskstore.NewMemoryStore()
	revs := NewRevocations()
	reg := NewRegistry()
	require.NoError(t, reg.Register(broker.RoutingFileProcess, Typed[*messaging.FileEnvelope]{
		HandleFunc: func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
			close(started)
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		},
	}))
	d := NewDispatcher(reg, store, revs, nil, DispatcherConfig{})
	createPending(t, store, "t1")
	rec := &settleRecorder{}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))) }()
	<-started
	assert.True(t, revs.Revoke("t1"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after revoke")
	}
	assert.True(t, rec.acked)
	assert.True(t, revs.IsRevoked("t1"))
}

func TestDispatch_WorkerShutdownRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, store, fh := setup(t, func(hctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		cancel()
		return Outcome{}, hctx.Err()
	})
	createPending(t, store, "t1")
	rec := &settleRecorder{}
	err := d.Dispatch(ctx, rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1")))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rec.nacked)
	assert.True(t, rec.requeue)
	assert.Zero(t, fh.cleanups.Load(), "requeued message keeps its files")
	got, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, taskstore.StatusPending, got.Status)
}

// flakyStore 第一次写终态失败
type flakyStore struct {
	taskstore.Store
	failures atomic.Int32
}

func (f *flakyStore) Update(ctx context.Context, id string, p taskstore.Patch) (*taskstore.Task, error) {
	if p.Status != nil && p.Status.Terminal() && f.failures.Add(1) == 1 {
		return nil, pkgerrors.Transport(errors.New("connection reset"), "status store update")
	}
	return f.Store.Update(ctx, id, p)
}

func TestDispatch_TerminalWriteIsRetried(t *testing.T) {
	mem := taskstore.NewMemoryStore()
	store := &flakyStore{Store: mem}
	reg := NewRegistry()
	require.NoError(t, reg.Register(broker.RoutingFileProcess, Typed[*messaging.FileEnvelope]{
		HandleFunc: func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
			return Outcome{Status: taskstore.StatusCompleted}, nil
		},
	}))
	d := NewDispatcher(reg, store, nil, nil, DispatcherConfig{TerminalWriteRetries: 1, RetryDelay: time.Millisecond})
	createPending(t, mem, "t1")
	rec := &settleRecorder{}
	require.NoError(t, d.Dispatch(context.Background(), rec.delivery(broker.RoutingFileProcess, fileBody(t, "t1"))))

	got, _ := mem.Get(context.Background(), "t1")
	assert.Equal(t, taskstore.StatusCompleted, got.Status)
	assert.Equal(t, int32(2), store.failures.Load())
}

func TestRegistry_Validate(t *testing.T) {
	topo := broker.DefaultTopology(0, 0)
	noop := Typed[*messaging.FileEnvelope]{HandleFunc: func(ctx context.Context, env *messaging.FileEnvelope) (Outcome, error) {
		return Outcome{}, nil
	}}

	reg := NewRegistry()
	require.NoError(t, reg.Register(broker.RoutingFileProcess, noop))
	require.Error(t, reg.Register(broker.RoutingFileProcess, noop), "duplicate registration")
	err := reg.Validate(topo, []string{broker.QueueDocumentProcessor})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler for folder.process")

	require.NoError(t, reg.Register(broker.RoutingFolderProcess, noop))
	require.NoError(t, reg.Validate(topo, []string{broker.QueueDocumentProcessor}))

	require.NoError(t, reg.Register(broker.RoutingEmbeddingProcess, noop))
	err = reg.Validate(topo, []string{broker.QueueDocumentProcessor})
	require.Error(t, err, "handler for an unconsumed key")
	require.NoError(t, reg.Validate(topo, []string{broker.QueueDocumentProcessor, broker.QueueEmbeddingProcessor}))
	assert.Equal(t, []string{"embedding.process", "file.process", "folder.process"}, reg.Keys())
}
