package vector

import (
	"context"
	"fmt"
)

// EnsureIndex 若索引不存在则创建，存在则跳过
func EnsureIndex(ctx context.Context, s Store, name string, dimension int, distance string) error {
	if distance == "" {
		distance = "cosine"
	}
	list, err := s.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("列出索引失败: %w", err)
	}
	for _, n := range list {
		if n == name {
			return nil
		}
	}
	return s.Create(ctx, &Index{
		Name:      name,
		Dimension: dimension,
		Distance:  distance,
	})
}

// FileKeyField 切片元数据中规范化文件名的字段
const FileKeyField = "file_key"

// IngestedIndex 以向量库中是否已有同名文件的切片作为“已入库”判定
type IngestedIndex struct {
	store Store
	index string
}

// NewIngestedIndex 创建 IngestedIndex
func NewIngestedIndex(store Store, index string) *IngestedIndex {
	return &IngestedIndex{store: store, index: index}
}

// AlreadyIngested fileName 为规范化后的文件名
func (i *IngestedIndex) AlreadyIngested(ctx context.Context, fileName string) (bool, error) {
	return i.store.Exists(ctx, i.index, map[string]string{FileKeyField: fileName})
}
