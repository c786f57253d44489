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
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"docflow/internal/broker"
)

const fileSchema = `{
  "type": "object",
  "required": ["task_id", "type", "file_path", "filename"],
  "properties": {
    "version": {"enum": [1]},
    "task_id": {"type": "string", "minLength": 1},
    "type": {"const": "single_file"},
    "file_path": {"type": "string", "minLength": 1},
    "filename": {"type": "string", "minLength": 1},
    "display_name": {"type": "string"},
    "created_at": {"type": "string"}
  }
}`

const folderSchema = `{
  "type": "object",
  "required": ["task_id", "type", "folder_name", "file_paths"],
  "properties": {
    "version": {"enum": [1]},
    "task_id": {"type": "string", "minLength": 1},
    "type": {"const": "folder"},
    "folder_name": {"type": "string"},
    "folder_path": {"type": "string"},
    "file_paths": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "created_at": {"type": "string"}
  }
}`

const embeddingSchema = `{
  "type": "object",
  "required": ["task_id", "type", "document"],
  "properties": {
    "version": {"enum": [1]},
    "task_id": {"type": "string", "minLength": 1},
    "type": {"const": "embedding"},
    "parent_task_id": {"type": "string"},
    "created_at": {"type": "string"},
    "document": {
      "type": "object",
      "required": ["file_name", "chunks"],
      "properties": {
        "file_name": {"type": "string"},
        "file_extension": {"type": "string"},
        "chunks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["chunk_id", "text", "metadata"],
            "properties": {
              "chunk_id": {"type": "string", "minLength": 1},
              "text": {"type": "string"},
              "metadata": {"type": "object"}
            }
          }
        }
      }
    }
  }
}`

const revokeSchema = `{
  "type": "object",
  "required": ["task_id", "type"],
  "properties": {
    "version": {"enum": [1]},
    "task_id": {"type": "string", "minLength": 1},
    "type": {"const": "revoke"},
    "reason": {"type": "string"},
    "created_at": {"type": "string"}
  }
}`

// schemaSources routing key → schema
var schemaSources = map[string]string{
	broker.RoutingFileProcess:      fileSchema,
	broker.RoutingFolderProcess:    folderSchema,
	broker.RoutingEmbeddingProcess: embeddingSchema,
	broker.RoutingRevoke:           revokeSchema,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for key, src := range schemaSources {
		if err := compiler.AddResource(schemaURL(key), strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", key, err))
		}
	}
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for key := range schemaSources {
		s, err := compiler.Compile(schemaURL(key))
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", key, err))
		}
		out[key] = s
	}
	return out
}

func schemaURL(routingKey string) string {
	return routingKey + ".schema.json"
}

// RoutingKeys 已定义 schema 的 routing key
func RoutingKeys() []string {
	keys := make([]string, 0, len(schemaSources))
	for k := range schemaSources {
		keys = append(keys, k)
	}
	return keys
}
