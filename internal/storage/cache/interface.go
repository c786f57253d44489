package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 键不存在或已过期
var ErrMiss = errors.New("cache: miss")

// Store 缓存存储接口；值以 JSON 序列化
type Store interface {
	// Set 设置缓存，expiration<=0 表示不过期
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	// Get 读取到 dest，未命中返回 ErrMiss
	Get(ctx context.Context, key string, dest any) error
	Delete(ctx context.Context, key string) error
	Close() error
}
