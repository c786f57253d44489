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

package middleware

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"docflow/pkg/log"
)

// Config 中间件配置
type Config struct {
	CORSEnable   bool
	AllowOrigins []string
	// RateLimitRPS <=0 表示不限流
	RateLimitRPS int
}

// Middleware 中间件管理器
type Middleware struct {
	cfg     Config
	logger  *log.Logger
	limiter *rate.Limiter
}

// NewMiddleware 创建中间件管理器
func NewMiddleware(cfg Config, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.NewNop()
	}
	m := &Middleware{cfg: cfg, logger: logger}
	if cfg.RateLimitRPS > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS*2)
	}
	return m
}

// allowOrigin 返回应回写的 Allow-Origin，空串表示不允许
func (m *Middleware) allowOrigin(origin string) string {
	if len(m.cfg.AllowOrigins) == 0 {
		return "*"
	}
	for _, o := range m.cfg.AllowOrigins {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// CORS 跨域中间件，未启用时直接放行
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.cfg.CORSEnable {
			c.Next(ctx)
			return
		}
		if allow := m.allowOrigin(string(c.GetHeader("Origin"))); allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 全局令牌桶限流
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if m.limiter != nil && !m.limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(1))
			c.JSON(consts.StatusTooManyRequests, map[string]string{"error": "请求过于频繁，请稍后重试"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// AccessLog 请求日志
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		m.logger.Debug("http request",
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", c.Response.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Recovery 捕获 handler panic，返回 500
func (m *Middleware) Recovery() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("handler panic", "path", string(c.Path()), "panic", fmt.Sprint(r))
				c.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal server error"})
				c.Abort()
			}
		}()
		c.Next(ctx)
	}
}
