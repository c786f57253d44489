package vector

import (
	"fmt"
	"time"

	"docflow/pkg/config"
)

// NewStore 根据配置创建向量存储
func NewStore(cfg config.VectorConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			URL:     cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: config.Duration(cfg.Timeout, 15*time.Second),
		}), nil
	default:
		return nil, fmt.Errorf("不支持的向量存储类型: %s", cfg.Type)
	}
}
