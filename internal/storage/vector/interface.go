package vector

import (
	"context"
	"errors"
)

// ErrIndexNotFound 索引不存在
var ErrIndexNotFound = errors.New("vector index not found")

// Store 向量存储接口
type Store interface {
	// Create 创建向量索引
	Create(ctx context.Context, index *Index) error
	// Upsert 写入向量，ID 相同则覆盖
	Upsert(ctx context.Context, indexName string, vectors []*Vector) error
	// Search 搜索向量
	Search(ctx context.Context, indexName string, query []float64, options *SearchOptions) ([]*SearchResult, error)
	// Exists 是否存在元数据满足 filter 的向量
	Exists(ctx context.Context, indexName string, filter map[string]string) (bool, error)
	// Delete 删除向量
	Delete(ctx context.Context, indexName string, ids []string) error
	// ListIndexes 列出所有索引
	ListIndexes(ctx context.Context) ([]string, error)
	// Close 关闭存储连接
	Close() error
}

// Index 向量索引
type Index struct {
	Name      string `json:"name"`      // 索引名称
	Dimension int    `json:"dimension"` // 向量维度
	Distance  string `json:"distance"`  // cosine | euclidean | dot
}

// Vector 向量数据
type Vector struct {
	ID       string         `json:"id"`       // 向量唯一标识
	Values   []float64      `json:"values"`   // 向量值
	Metadata map[string]any `json:"metadata"` // 向量元数据（chunk 文本与文件信息）
}

// SearchOptions 搜索选项
type SearchOptions struct {
	TopK      int               `json:"top_k"`     // 返回前 K 个结果
	Filter    map[string]string `json:"filter"`    // 元数据精确匹配
	Threshold float64           `json:"threshold"` // 相似度阈值
}

// SearchResult 搜索结果
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}
