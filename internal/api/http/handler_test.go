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

package http

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/api/http/middleware"
	"docflow/internal/broker"
	"docflow/internal/messaging"
	"docflow/internal/notify"
	"docflow/internal/pipeline/query"
	"docflow/internal/runtime/taskstore"
)

type stubSearcher struct{ got string }

func (s *stubSearcher) Search(ctx context.Context, text string) query.Response {
	s.got = text
	return query.Response{Status: query.StatusSuccess, Query: text, Results: []query.Hit{{Rank: 1, ID: "c1", Score: 91.5, Text: "hello"}}, Total: 1}
}

type gateway struct {
	srv      *server.Hertz
	store    *taskstore.MemoryStore
	broker   *broker.MemoryBroker
	hub      *notify.Hub
	searcher *stubSearcher
	dir      string
}

func newGateway(t *testing.T, mwCfg middleware.Config) *gateway {
	t.Helper()
	mb := broker.NewMemoryBroker(broker.DefaultTopology(0, 0))
	pub := broker.NewPublisher(mb, nil, time.Second)
	require.NoError(t, pub.Connect(context.Background()))
	t.Cleanup(func() { _ = mb.Close() })

	store := taskstore.NewMemoryStore()
	hub := notify.NewHub(store, nil, notify.Config{PollInterval: 10 * time.Millisecond})
	t.Cleanup(hub.Close)
	searcher := &stubSearcher{}
	dir := t.TempDir()

	h := NewHandler(Deps{Store: store, Publisher: pub, Hub: hub, Searcher: searcher}, dir)
	r := NewRouter(h, middleware.NewMiddleware(mwCfg, nil))
	return &gateway{srv: r.Build(":0"), store: store, broker: mb, hub: hub, searcher: searcher, dir: dir}
}

func (g *gateway) do(method, path string, body []byte, headers ...ut.Header) *ut.ResponseRecorder {
	return ut.PerformRequest(g.srv.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) ([]byte, ut.Header) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), ut.Header{Key: "Content-Type", Value: w.FormDataContentType()}
}

func decodeBody(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(w.Result().Body(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	w := g.do("GET", "/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSelectFile_CreatesPendingTaskAndPublishes(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	body, ct := multipartBody(t, nil, map[string]string{"notes.txt": "hello world"})

	w := g.do("POST", "/select-file", body, ct)
	require.Equal(t, 200, w.Result().StatusCode())
	resp := decodeBody(t, w)
	assert.EqualValues(t, 1, resp["count"])
	ids := resp["task_ids"].([]any)
	require.Len(t, ids, 1)
	taskID := ids[0].(string)

	rec, err := g.store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, rec.Status)
	assert.Equal(t, "notes.txt", rec.Filename)

	msgs := g.broker.Drain(broker.QueueDocumentProcessor)
	require.Len(t, msgs, 1)
	env, err := messaging.Decode(broker.RoutingFileProcess, msgs[0].Body)
	require.NoError(t, err)
	fe := env.(*messaging.FileEnvelope)
	assert.Equal(t, taskID, fe.TaskID)
	data, err := os.ReadFile(fe.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, g.dir, filepath.Dir(fe.FilePath))
}

func TestSelectFile_TwoUploadsGetDistinctTasks(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	body, ct := multipartBody(t, nil, map[string]string{"a.txt": "a", "b.md": "b"})
	w := g.do("POST", "/select-file", body, ct)
	require.Equal(t, 200, w.Result().StatusCode())
	ids := decodeBody(t, w)["task_ids"].([]any)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, 2, g.broker.Depth(broker.QueueDocumentProcessor))
}

func TestSelectFile_PublishFailureMarksTaskFailed(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	g.broker.FailPublish(errors.New("connection reset"))
	body, ct := multipartBody(t, nil, map[string]string{"a.txt": "a"})

	w := g.do("POST", "/select-file", body, ct)
	assert.Equal(t, 500, w.Result().StatusCode())

	entries, err := os.ReadDir(g.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "uploaded file is removed when the task cannot be queued")
	assert.Equal(t, 1, g.store.Len())
}

func TestSelectFile_NoFiles(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	body, ct := multipartBody(t, map[string]string{"x": "y"}, nil)
	w := g.do("POST", "/select-file", body, ct)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestSelectFolder(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	body, ct := multipartBody(t, map[string]string{"folder_name": "reports"}, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	w := g.do("POST", "/select-folder", body, ct)
	require.Equal(t, 200, w.Result().StatusCode())
	resp := decodeBody(t, w)
	assert.Equal(t, "reports", resp["folder_name"])
	assert.EqualValues(t, 3, resp["total_files"])

	rec, err := g.store.Get(context.Background(), resp["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, taskstore.TypeFolder, rec.Type)
	assert.Equal(t, 3, rec.TotalFiles)

	msgs := g.broker.Drain(broker.QueueDocumentProcessor)
	require.Len(t, msgs, 1)
	env, err := messaging.Decode(broker.RoutingFolderProcess, msgs[0].Body)
	require.NoError(t, err)
	fe := env.(*messaging.FolderEnvelope)
	assert.Len(t, fe.FilePaths, 3)
	for _, p := range fe.FilePaths {
		assert.FileExists(t, p)
	}
}

func TestTaskStatus(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	require.NoError(t, g.store.Create(context.Background(), taskstore.Task{TaskID: "t1", Type: taskstore.TypeSingleFile, Filename: "a.txt"}))

	w := g.do("GET", "/task-status/t1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	body := decodeBody(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, taskstore.DefaultTotalSteps, body["total_steps"])

	w = g.do("GET", "/task-status/missing", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "not_found", decodeBody(t, w)["status"])
}

func TestCancelTask(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	ctx := context.Background()
	require.NoError(t, g.store.Create(ctx, taskstore.Task{TaskID: "t1", Type: taskstore.TypeSingleFile}))
	require.NoError(t, g.store.Create(ctx, taskstore.Task{TaskID: "done", Type: taskstore.TypeSingleFile}))
	_, err := g.store.Update(ctx, "done", taskstore.Patch{Status: taskstore.Ptr(taskstore.StatusCompleted)})
	require.NoError(t, err)

	sub, err := g.broker.Subscribe(ctx, broker.RoutingRevoke)
	require.NoError(t, err)

	w := g.do("DELETE", "/task-cancel/t1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	rec, _ := g.store.Get(ctx, "t1")
	assert.Equal(t, taskstore.StatusCancelled, rec.Status)
	select {
	case m := <-sub:
		env, err := messaging.Decode(broker.RoutingRevoke, m.Body)
		require.NoError(t, err)
		assert.Equal(t, "t1", env.ID())
	case <-time.After(time.Second):
		t.Fatal("revoke not broadcast")
	}

	assert.Equal(t, 409, g.do("DELETE", "/task-cancel/done", nil).Result().StatusCode())
	assert.Equal(t, 404, g.do("DELETE", "/task-cancel/missing", nil).Result().StatusCode())
}

func TestCancelBatch(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	ctx := context.Background()
	require.NoError(t, g.store.Create(ctx, taskstore.Task{TaskID: "a", Type: taskstore.TypeSingleFile}))
	require.NoError(t, g.store.Create(ctx, taskstore.Task{TaskID: "b", Type: taskstore.TypeSingleFile}))

	body := []byte(`{"task_ids":["a","b","missing"]}`)
	w := g.do("POST", "/tasks-cancel-batch", body)
	require.Equal(t, 200, w.Result().StatusCode())
	resp := decodeBody(t, w)
	assert.EqualValues(t, 2, resp["cancelled_count"])
	assert.EqualValues(t, 1, resp["errors_count"])

	assert.Equal(t, 400, g.do("POST", "/tasks-cancel-batch", []byte(`{"task_ids":[]}`)).Result().StatusCode())
}

func TestMessage_ProxiesSearch(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	w := g.do("POST", "/message", []byte(`{"query":"what is docflow"}`))
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "what is docflow", g.searcher.got)
	resp := decodeBody(t, w)
	assert.Equal(t, query.StatusSuccess, resp["status"])
	assert.EqualValues(t, 1, resp["total"])
}

func TestActiveTasksAndBroadcast(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	w := g.do("GET", "/tasks/active", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.EqualValues(t, 0, decodeBody(t, w)["total"])

	w = g.do("POST", "/broadcast", []byte(`{"message":"maintenance"}`))
	require.Equal(t, 200, w.Result().StatusCode())
	assert.EqualValues(t, 0, decodeBody(t, w)["delivered"])

	assert.Equal(t, 400, g.do("POST", "/broadcast", []byte(`{}`)).Result().StatusCode())
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	w := g.do("GET", "/metrics", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Header.ContentType()), "text/plain")
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "a.txt", safeFilename("../../etc/a.txt"))
	assert.Equal(t, "b.pdf", safeFilename(`C:\docs\b.pdf`))
	assert.Equal(t, "upload", safeFilename(""))
}
