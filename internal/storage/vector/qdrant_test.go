package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantStore_RoundTrip(t *testing.T) {
	var upserted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/collections", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"collections":[{"name":"documents"}]}}`))
	})
	mux.HandleFunc("/collections/documents/points", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	})
	mux.HandleFunc("/collections/documents/points/search", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 5, body["limit"])
		_, _ = w.Write([]byte(`{"result":[{"id":"p1","score":0.91,"payload":{"text":"hello","file_name":"a.txt"}}]}`))
	})
	mux.HandleFunc("/collections/documents/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filter qdrantFilter `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Filter.Must, 1)
		if body.Filter.Must[0].Match.Value == "a.txt" {
			_, _ = w.Write([]byte(`{"result":{"points":[{"id":"p1"}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":{"points":[]}}`))
	})
	mux.HandleFunc("/collections/missing/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewQdrantStore(QdrantConfig{URL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	require.NoError(t, EnsureIndex(ctx, s, "documents", 3, "cosine"))
	require.NoError(t, s.Upsert(ctx, "documents", []*Vector{{ID: "p1", Values: []float64{1, 0, 0}, Metadata: map[string]any{"text": "hello"}}}))
	points := upserted["points"].([]any)
	require.Len(t, points, 1)
	assert.Equal(t, "p1", points[0].(map[string]any)["id"])

	results, err := s.Search(ctx, "documents", []float64{1, 0, 0}, &SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
	assert.Equal(t, "hello", results[0].Metadata["text"])

	ok, err := s.Exists(ctx, "documents", map[string]string{"file_name": "a.txt"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, "documents", map[string]string{"file_name": "b.txt"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "missing", map[string]string{"file_name": "a.txt"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQdrantStore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewQdrantStore(QdrantConfig{URL: srv.URL})
	err := s.Upsert(context.Background(), "documents", []*Vector{{ID: "p1", Values: []float64{1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
