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

package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/pkg/config"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(32)
	a, err := e.Embed(context.Background(), []string{"alpha beta", "alpha beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Len(t, a[0], 32)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	var norm float64
	for _, v := range a[0] {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		out := make([][]float64, len(req.Input))
		for i := range out {
			out[i] = []float64{float64(i), 1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Model: "m", Dimension: 2, RPS: 100})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1}, {1, 1}}, vecs)
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,2,3]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 2})
	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(config.EmbeddingConfig{Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, e.Dimension())

	_, err = NewEmbedder(config.EmbeddingConfig{Type: "bogus"})
	require.Error(t, err)
}
