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
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// PDFParser 基于 unipdf 的 PDF 正文提取
type PDFParser struct{}

// Parse 按页提取文本
func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, pages, err := extractPDFText(ctx, data)
	if err != nil {
		return nil, err
	}
	return &ParseResult{
		Text:     text,
		Metadata: map[string]any{"parser": "pdf", "pages": pages},
	}, nil
}

// extractPDFText 逐页提取并以空行拼接，每页之间检查 ctx
func extractPDFText(ctx context.Context, data []byte) (string, int, error) {
	if len(data) == 0 {
		return "", 0, nil
	}

	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return "", 0, fmt.Errorf("打开 PDF 失败: %w", err)
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return "", 0, fmt.Errorf("获取页数失败: %w", err)
	}

	var buf strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", i - 1, err
		}
		page, err := reader.GetPage(i)
		if err != nil {
			return "", i - 1, fmt.Errorf("获取第 %d 页失败: %w", i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return "", i - 1, fmt.Errorf("创建第 %d 页提取器失败: %w", i, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return "", i - 1, fmt.Errorf("提取第 %d 页文本失败: %w", i, err)
		}
		if text != "" {
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(text)
		}
	}

	return strings.TrimSpace(buf.String()), numPages, nil
}
