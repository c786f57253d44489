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

// Package splitter 文本切片：把解析后的全文切成适合向量化的片段
package splitter

import (
	"fmt"
	"sort"
)

// Chunk 切片
type Chunk struct {
	Content    string
	Index      int
	TokenCount int
}

// Splitter 切片器接口
type Splitter interface {
	Name() string
	Split(content string) []Chunk
}

// Options 切片参数，零值使用各切片器默认值
type Options struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
}

// Engine 切片引擎：按名称选择切片器
type Engine struct {
	splitters map[string]Splitter
}

// NewEngine 创建切片引擎，内置 structural 与 token
func NewEngine(opts Options) *Engine {
	e := &Engine{splitters: make(map[string]Splitter)}
	e.AddSplitter(NewStructuralSplitter(opts.ChunkSize, opts.ChunkOverlap))
	e.AddSplitter(NewTokenSplitter(opts.ChunkSize, opts.ChunkOverlap))
	return e
}

// AddSplitter 添加自定义切片器
func (e *Engine) AddSplitter(s Splitter) {
	e.splitters[s.Name()] = s
}

// GetSplitter 获取切片器
func (e *Engine) GetSplitter(name string) (Splitter, error) {
	if name == "" {
		name = StructuralName
	}
	s, ok := e.splitters[name]
	if !ok {
		return nil, fmt.Errorf("splitter not found: %s", name)
	}
	return s, nil
}

// GetSplitters 获取所有切片器名称
func (e *Engine) GetSplitters() []string {
	names := make([]string, 0, len(e.splitters))
	for name := range e.splitters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
