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

package ingest

import (
	"context"
	"os"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultSupportedExtensions 默认允许上传处理的扩展名
var DefaultSupportedExtensions = []string{
	".pdf", ".docx", ".doc", ".xlsx", ".xls", ".txt", ".md",
	".dxf", ".dwg", ".png", ".jpg", ".jpeg",
}

// ParseResult 解析结果
type ParseResult struct {
	Text     string
	Metadata map[string]any
}

// Parser 按文件路径解析出正文
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
}

// ParserFunc 函数适配 Parser
type ParserFunc func(ctx context.Context, path string) (*ParseResult, error)

// Parse 实现 Parser
func (f ParserFunc) Parse(ctx context.Context, path string) (*ParseResult, error) {
	return f(ctx, path)
}

// ParserRegistry 扩展名 → 解析器
type ParserRegistry struct {
	parsers map[string]Parser
}

// NewParserRegistry 创建空注册表
func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{parsers: make(map[string]Parser)}
}

// DefaultParsers 内置解析器：纯文本、Markdown、PDF、XLSX
func DefaultParsers() *ParserRegistry {
	r := NewParserRegistry()
	r.Register(".txt", &TextParser{})
	r.Register(".md", &TextParser{Format: "markdown"})
	r.Register(".pdf", &PDFParser{})
	r.Register(".xlsx", &XLSXParser{})
	return r
}

// Register 注册解析器，已存在时覆盖
func (r *ParserRegistry) Register(ext string, p Parser) {
	r.parsers[NormalizeExt(ext)] = p
}

// Lookup 查找解析器
func (r *ParserRegistry) Lookup(ext string) (Parser, bool) {
	p, ok := r.parsers[NormalizeExt(ext)]
	return p, ok
}

// Extensions 已注册的扩展名（有序）
func (r *ParserRegistry) Extensions() []string {
	out := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// NormalizeExt 小写并补齐前导点
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// TextParser 纯文本解析器
type TextParser struct {
	Format string
}

// Parse 读取文件内容，非法 UTF-8 字节被替换
func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	format := p.Format
	if format == "" {
		format = "text"
	}
	return &ParseResult{
		Text:     text,
		Metadata: map[string]any{"parser": "text", "format": format, "size_bytes": len(data)},
	}, nil
}
