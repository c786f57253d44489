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
	"fmt"

	"github.com/bytedance/sonic"

	"docflow/internal/broker"
)

var (
	// ErrMalformed 无法解析或缺少 task_id：确认并丢弃
	ErrMalformed = errors.New("messaging: malformed envelope")
	// ErrInvalid 未通过 schema 校验或版本不支持：拒绝并进入死信
	ErrInvalid = errors.New("messaging: envelope failed schema validation")
	// ErrUnknownRoute routing key 没有对应的消息体定义
	ErrUnknownRoute = errors.New("messaging: unknown routing key")
)

// DecodeError 带 task_id（若能取到）的解码错误
type DecodeError struct {
	Kind   error
	TaskID string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode 序列化消息体
func Encode(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// Decode 解析并校验 routingKey 对应的消息体
func Decode(routingKey string, body []byte) (Envelope, error) {
	var raw any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Err: err}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &DecodeError{Kind: ErrMalformed, Err: fmt.Errorf("envelope is not an object")}
	}
	taskID, _ := obj["task_id"].(string)
	if taskID == "" {
		return nil, &DecodeError{Kind: ErrMalformed, Err: fmt.Errorf("missing task_id")}
	}

	schema, ok := compiledSchemas[routingKey]
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownRoute, TaskID: taskID, Err: fmt.Errorf("routing key %q", routingKey)}
	}
	if err := schema.Validate(raw); err != nil {
		return nil, &DecodeError{Kind: ErrInvalid, TaskID: taskID, Err: err}
	}

	var env Envelope
	switch routingKey {
	case broker.RoutingFileProcess:
		env = &FileEnvelope{}
	case broker.RoutingFolderProcess:
		env = &FolderEnvelope{}
	case broker.RoutingEmbeddingProcess:
		env = &EmbeddingEnvelope{}
	case broker.RoutingRevoke:
		env = &RevokeEnvelope{}
	}
	if err := sonic.Unmarshal(body, env); err != nil {
		return nil, &DecodeError{Kind: ErrInvalid, TaskID: taskID, Err: err}
	}
	return env, nil
}
