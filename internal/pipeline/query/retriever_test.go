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

package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/model/embedding"
	"docflow/internal/storage/cache"
	"docflow/internal/storage/vector"
)

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, index string, q []float64, opts *vector.SearchOptions) ([]*vector.SearchResult, error) {
	return nil, errors.New("connection refused")
}

func seeded(t *testing.T, n int) (*vector.MemoryStore, *embedding.StaticEmbedder) {
	t.Helper()
	ctx := context.Background()
	emb := embedding.NewStaticEmbedder(16)
	mem := vector.NewMemoryStore()
	require.NoError(t, vector.EnsureIndex(ctx, mem, "documents", 16, ""))
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("pump maintenance manual section %d", i)
	}
	if n == 0 {
		return mem, emb
	}
	values, err := emb.Embed(ctx, texts)
	require.NoError(t, err)
	vecs := make([]*vector.Vector, n)
	for i := range vecs {
		vecs[i] = &vector.Vector{ID: fmt.Sprintf("p%d", i), Values: values[i], Metadata: map[string]any{
			"text": texts[i], "file_name": "manual.pdf", "file_path": "/up/manual.pdf", "file_extension": ".pdf", "chunk_index": i,
		}}
	}
	require.NoError(t, mem.Upsert(ctx, "documents", vecs))
	return mem, emb
}

func TestRetriever_FormatsTopFive(t *testing.T) {
	mem, emb := seeded(t, 8)
	r := NewRetriever(emb, mem, "documents", 0, nil)

	resp := r.Search(context.Background(), "  pump maintenance manual section 3 ")
	require.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, resp.Results, DefaultTopK)
	assert.Equal(t, 5, resp.Total)
	top := resp.Results[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "p3", top.ID)
	assert.InDelta(t, 100, top.Score, 0.01)
	assert.Equal(t, "manual.pdf", top.FileName)
	assert.Equal(t, ".pdf", top.FileExtension)
	assert.Equal(t, 3, top.ChunkIndex)
	for i, h := range resp.Results {
		assert.Equal(t, i+1, h.Rank)
		if i > 0 {
			assert.LessOrEqual(t, h.Score, resp.Results[i-1].Score)
		}
	}
}

func TestRetriever_EmptyQuery(t *testing.T) {
	r := NewRetriever(embedding.NewStaticEmbedder(16), failingSearcher{}, "", 0, nil)
	resp := r.Search(context.Background(), "   ")
	assert.Equal(t, StatusError, resp.Status)
	assert.Empty(t, resp.Results)
}

func TestRetriever_NoResults(t *testing.T) {
	mem, emb := seeded(t, 0)
	resp := NewRetriever(emb, mem, "documents", 5, nil).Search(context.Background(), "anything")
	assert.Equal(t, StatusNoResults, resp.Status)
	assert.NotNil(t, resp.Results)
}

func TestRetriever_BackendError(t *testing.T) {
	resp := NewRetriever(embedding.NewStaticEmbedder(16), failingSearcher{}, "documents", 5, nil).Search(context.Background(), "x")
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "connection refused")
}

type countingEmbedder struct {
	inner Embedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, texts)
}

func TestRetriever_CachesQueryEmbedding(t *testing.T) {
	mem, emb := seeded(t, 3)
	counting := &countingEmbedder{inner: emb}
	store := cache.NewMemoryStore(16)
	r := NewRetriever(counting, mem, "documents", 3, nil).WithCache(store, time.Minute)

	first := r.Search(context.Background(), "pump maintenance manual section 1")
	second := r.Search(context.Background(), "pump maintenance manual section 1")
	require.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, int32(1), counting.calls.Load())
	assert.Equal(t, 1, store.Len())

	r.Search(context.Background(), "pump maintenance manual section 2")
	assert.Equal(t, int32(2), counting.calls.Load())
}
