package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/app"
	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/pipeline/ingest"
	"docflow/internal/runtime/taskstore"
	"docflow/pkg/config"
)

func newTestWorker(t *testing.T, role string, maxTasks int) (*App, *app.Bootstrap, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Worker:    config.WorkerConfig{Name: "test-worker", Role: role, MaxTasks: maxTasks, UploadDir: dir},
		Embedding: config.EmbeddingConfig{Type: "static", Dimension: 16},
		Dedup:     config.DedupConfig{Type: "vector"},
		Log:       config.LogConfig{Level: "error"},
	}
	ctx := context.Background()
	b, err := app.NewBootstrap(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	w, err := NewApp(ctx, b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w, b, dir
}

func submit(t *testing.T, b *app.Bootstrap, dir, taskID, filename, content string) {
	t.Helper()
	path := filepath.Join(dir, taskID+"_"+filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ctx := context.Background()
	require.NoError(t, b.Store.Create(ctx, taskstore.Task{TaskID: taskID, Type: taskstore.TypeSingleFile, Filename: filename}))
	pub := broker.NewPublisher(b.Broker, nil, time.Second)
	require.True(t, pub.Publish(ctx, broker.RoutingFileProcess, messaging.NewFileEnvelope(taskID, path, filename)))
}

func status(b *app.Bootstrap, taskID string) taskstore.Status {
	rec, err := b.Store.Get(context.Background(), taskID)
	if err != nil {
		return ""
	}
	return rec.Status
}

func TestQueues(t *testing.T) {
	q, err := Queues(RoleDocument)
	require.NoError(t, err)
	assert.Equal(t, []string{broker.QueueDocumentProcessor}, q)
	q, err = Queues("")
	require.NoError(t, err)
	assert.Len(t, q, 2)
	_, err = Queues("indexer")
	assert.Error(t, err)
}

func TestApp_FileToVectorsAcrossRecycles(t *testing.T) {
	w, b, dir := newTestWorker(t, RoleAll, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	submit(t, b, dir, "t1", "Guide.txt", strings.Repeat("docflow moves documents through queues. ", 40))
	require.Eventually(t, func() bool {
		return status(b, "t1") == taskstore.StatusCompleted && status(b, ingest.EmbeddingTaskID("t1")) == taskstore.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// 同名文件第二次上传按已入库跳过
	submit(t, b, dir, "t2", "guide.TXT", "another copy")
	require.Eventually(t, func() bool { return status(b, "t2") == taskstore.StatusSkipped }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	// 每条消息后回收一次：file、embedding、file 至少三代
	assert.GreaterOrEqual(t, w.Generations(), 3)
	rec, err := b.Store.Get(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "already_exists", rec.Reason)
}

func TestNewApp_RejectsUnknownDedup(t *testing.T) {
	cfg := &config.Config{Dedup: config.DedupConfig{Type: "bloom"}, Log: config.LogConfig{Level: "error"}}
	b, err := app.NewBootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	_, err = NewApp(context.Background(), b)
	assert.Error(t, err)
}
