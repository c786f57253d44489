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

package splitter

import (
	"strings"
)

// StructuralName 结构切片器名称
const StructuralName = "structural"

// StructuralSplitter 按段落合并，超长段落按字符窗口切开
type StructuralSplitter struct {
	chunkSize    int
	chunkOverlap int
}

// NewStructuralSplitter 创建结构切片器；chunkSize 按 rune 计
func NewStructuralSplitter(chunkSize, chunkOverlap int) *StructuralSplitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	return &StructuralSplitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Name 返回切片器名称
func (s *StructuralSplitter) Name() string {
	return StructuralName
}

// Split 执行结构切片
func (s *StructuralSplitter) Split(content string) []Chunk {
	var (
		chunks  []Chunk
		current []rune
	)
	flush := func() {
		if text := strings.TrimSpace(string(current)); text != "" {
			chunks = append(chunks, newChunk(text, len(chunks)))
		}
		current = current[:0]
	}

	for _, paragraph := range splitByParagraph(content) {
		p := []rune(paragraph)
		if len(p) > s.chunkSize {
			flush()
			for _, piece := range s.window(p) {
				chunks = append(chunks, newChunk(piece, len(chunks)))
			}
			continue
		}
		if len(current) > 0 && len(current)+len(p)+1 > s.chunkSize {
			tail := overlapTail(current, s.chunkOverlap)
			flush()
			current = append(current, tail...)
		}
		if len(current) > 0 {
			current = append(current, ' ')
		}
		current = append(current, p...)
	}
	flush()
	return chunks
}

// window 超长段落按 chunkSize 窗口切开，相邻窗口重叠 chunkOverlap
func (s *StructuralSplitter) window(p []rune) []string {
	var out []string
	step := s.chunkSize - s.chunkOverlap
	for i := 0; i < len(p); i += step {
		end := i + s.chunkSize
		if end > len(p) {
			end = len(p)
		}
		out = append(out, string(p[i:end]))
		if end == len(p) {
			break
		}
	}
	return out
}

// splitByParagraph 按空行分段，段内换行合并为空格
func splitByParagraph(content string) []string {
	var (
		paragraphs []string
		b          strings.Builder
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if b.Len() > 0 {
				paragraphs = append(paragraphs, b.String())
				b.Reset()
			}
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		paragraphs = append(paragraphs, b.String())
	}
	return paragraphs
}

func overlapTail(r []rune, n int) []rune {
	if n <= 0 || len(r) <= n {
		return nil
	}
	return append([]rune(nil), r[len(r)-n:]...)
}

func newChunk(content string, index int) Chunk {
	return Chunk{
		Content:    content,
		Index:      index,
		TokenCount: len(strings.Fields(content)),
	}
}
