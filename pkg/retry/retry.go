// Package retry 指数退避重试，基于 cenkalti/backoff
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config 重试配置
type Config struct {
	MaxAttempts  int           // 总尝试次数（含首次）
	InitialDelay time.Duration // 首次重试前等待
	MaxDelay     time.Duration // 单次等待上限
	Multiplier   float64       // 退避倍数
	Jitter       bool          // 是否加入 ±25% 的随机抖动
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// OperationWithContext 可重试操作
type OperationWithContext func(ctx context.Context) error

// IsRetryable 判断错误是否值得重试
type IsRetryable func(error) bool

// BackOff 按配置构造退避策略；总时长不设上限，次数由 MaxAttempts 约束
func (c *Config) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialDelay > 0 {
		b.InitialInterval = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = 0
	if c.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DoWithContext 带 ctx 的重试，isRetryable 为 nil 时所有错误都重试
func DoWithContext(ctx context.Context, op OperationWithContext, config *Config, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	calls := 0
	var lastErr error
	policy := backoff.WithContext(backoff.WithMaxRetries(config.BackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		calls++
		err := op(ctx)
		if err != nil {
			lastErr = err
			if isRetryable != nil && !isRetryable(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ctx.Err()) && lastErr != nil:
		// 等待期间 ctx 结束，返回最后一次操作的错误
		return lastErr
	case calls == attempts && (isRetryable == nil || isRetryable(err)):
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
	}
	return err
}
