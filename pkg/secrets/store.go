// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound secret 不存在
var ErrNotFound = errors.New("secret not found")

// Store Secret 只读存储接口
type Store interface {
	// Get 获取 secret 值，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider   string `mapstructure:"provider"` // env | memory | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// NewStore 创建 Secret Store；provider 为空时读取环境变量
func NewStore(ctx context.Context, config Config) (Store, error) {
	switch config.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Reference 解析 ${KEY} 形式的引用
func Reference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") || len(s) <= 3 {
		return "", false
	}
	return s[2 : len(s)-1], true
}

// Expand 将 ${KEY} 替换为 secret 值；非引用或 secret 不存在时原样返回
func Expand(ctx context.Context, store Store, s string) (string, error) {
	key, ok := Reference(s)
	if !ok {
		return s, nil
	}
	val, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return s, nil
	case err != nil:
		return s, fmt.Errorf("resolve %s: %w", key, err)
	}
	return val, nil
}
