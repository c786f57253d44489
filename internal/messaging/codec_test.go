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

package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/broker"
	"docflow/internal/runtime/taskstore"
)

func TestDecode_ValidEnvelopes(t *testing.T) {
	file, err := Encode(NewFileEnvelope("t1", "uploads/a.pdf", "a.pdf"))
	require.NoError(t, err)
	env, err := Decode(broker.RoutingFileProcess, file)
	require.NoError(t, err)
	fe, ok := env.(*FileEnvelope)
	require.True(t, ok)
	assert.Equal(t, "t1", fe.ID())
	assert.Equal(t, taskstore.TypeSingleFile, fe.Kind())
	assert.Equal(t, "uploads/a.pdf", fe.FilePath)
	assert.Equal(t, Version, fe.Version)

	folder, err := Encode(NewFolderEnvelope("t2", "docs", "uploads/docs", []string{"uploads/docs/a.txt"}))
	require.NoError(t, err)
	env, err = Decode(broker.RoutingFolderProcess, folder)
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/docs/a.txt"}, env.(*FolderEnvelope).FilePaths)

	emb, err := Encode(NewEmbeddingEnvelope("t3_embedding", "t3", Document{FileName: "a.pdf", FileExtension: ".pdf"}))
	require.NoError(t, err)
	env, err = Decode(broker.RoutingEmbeddingProcess, emb)
	require.NoError(t, err)
	ee := env.(*EmbeddingEnvelope)
	assert.Equal(t, "t3", ee.ParentTaskID)
	assert.Empty(t, ee.Document.Chunks)

	rev, err := Encode(NewRevokeEnvelope("t4", "user"))
	require.NoError(t, err)
	env, err = Decode(broker.RoutingRevoke, rev)
	require.NoError(t, err)
	assert.Equal(t, TypeRevoke, env.Kind())
}

func TestDecode_LegacyEnvelopeWithoutVersion(t *testing.T) {
	body := []byte(`{"task_id":"x","type":"embedding","document":{"file_name":"a","file_extension":".txt","chunks":[{"chunk_id":"c1","text":"hi","metadata":{}}]}}`)
	env, err := Decode(broker.RoutingEmbeddingProcess, body)
	require.NoError(t, err)
	assert.Len(t, env.(*EmbeddingEnvelope).Document.Chunks, 1)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		body string
		kind error
	}{
		{"not json", broker.RoutingFileProcess, `{nope`, ErrMalformed},
		{"array", broker.RoutingFileProcess, `[1,2]`, ErrMalformed},
		{"missing task_id", broker.RoutingFileProcess, `{"type":"single_file","file_path":"a","filename":"a"}`, ErrMalformed},
		{"empty task_id", broker.RoutingFileProcess, `{"task_id":"","type":"single_file"}`, ErrMalformed},
		{"missing file_path", broker.RoutingFileProcess, `{"task_id":"t","type":"single_file","filename":"a"}`, ErrInvalid},
		{"wrong type for key", broker.RoutingFileProcess, `{"task_id":"t","type":"folder","file_path":"a","filename":"a"}`, ErrInvalid},
		{"future version", broker.RoutingFileProcess, `{"version":2,"task_id":"t","type":"single_file","file_path":"a","filename":"a"}`, ErrInvalid},
		{"chunk without id", broker.RoutingEmbeddingProcess, `{"task_id":"t","type":"embedding","document":{"file_name":"a","chunks":[{"text":"x","metadata":{}}]}}`, ErrInvalid},
		{"unknown key", "mystery.process", `{"task_id":"t"}`, ErrUnknownRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.key, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "err = %v, want %v", err, tt.kind)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			if tt.kind != ErrMalformed {
				assert.Equal(t, "t", de.TaskID)
			}
		})
	}
}

func TestSchemasCoverPipelineRoutes(t *testing.T) {
	keys := map[string]bool{}
	for _, k := range RoutingKeys() {
		keys[k] = true
	}
	for _, k := range []string{broker.RoutingFileProcess, broker.RoutingFolderProcess, broker.RoutingEmbeddingProcess, broker.RoutingRevoke} {
		assert.True(t, keys[k], "missing schema for %s", k)
	}
}
