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

// TokenName Token 切片器名称
const TokenName = "token"

// TokenSplitter 按空白分词后的固定窗口切片
type TokenSplitter struct {
	maxTokens    int
	chunkOverlap int
}

// NewTokenSplitter 创建 Token 切片器
func NewTokenSplitter(maxTokens, chunkOverlap int) *TokenSplitter {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= maxTokens {
		chunkOverlap = 0
	}
	return &TokenSplitter{maxTokens: maxTokens, chunkOverlap: chunkOverlap}
}

// Name 返回切片器名称
func (s *TokenSplitter) Name() string {
	return TokenName
}

// Split 执行 Token 切片
func (s *TokenSplitter) Split(content string) []Chunk {
	tokens := strings.Fields(content)
	var (
		chunks  []Chunk
		current []string
	)
	for _, token := range tokens {
		if len(current)+1 > s.maxTokens {
			chunks = append(chunks, newChunk(strings.Join(current, " "), len(chunks)))
			if s.chunkOverlap > 0 && len(current) > s.chunkOverlap {
				current = append([]string(nil), current[len(current)-s.chunkOverlap:]...)
			} else {
				current = current[:0]
			}
		}
		current = append(current, token)
	}
	if len(current) > 0 {
		chunks = append(chunks, newChunk(strings.Join(current, " "), len(chunks)))
	}
	return chunks
}
