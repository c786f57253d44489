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

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/broker"
	"docflow/internal/runtime/taskstore"
	"docflow/pkg/config"
	"docflow/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用日志、状态存储与 broker
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Store    taskstore.Store
	Broker   broker.Broker
	Topology broker.Topology

	redis redis.UniversalClient
}

// NewBootstrap 根据配置创建 Bootstrap；broker 需由调用方 Connect
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger}
	if err := b.initStore(ctx); err != nil {
		return nil, err
	}
	b.Topology = NewTopology(cfg.Broker)
	b.Broker, err = NewBroker(cfg, b.Topology, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bootstrap) initStore(ctx context.Context) error {
	sc := b.Config.StatusStore
	opts := []taskstore.Option{
		taskstore.WithTTL(config.Duration(sc.TTL, taskstore.DefaultTTL)),
		taskstore.WithOpTimeout(config.Duration(sc.OpTimeout, time.Second)),
	}
	switch sc.Type {
	case "", "memory":
		b.Logger.Warn("状态存储使用内存实现，仅适用于单进程开发环境")
		b.Store = taskstore.NewMemoryStore(opts...)
		return nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        sc.Addr,
			DB:          sc.DB,
			Password:    sc.Password,
			DialTimeout: config.Duration(sc.DialTimeout, 2*time.Second),
		})
		store := taskstore.NewRedisStore(client, opts...)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("连接状态存储失败: %w", err)
		}
		b.redis = client
		b.Store = store
		b.Logger.Info("状态存储已连接", "addr", sc.Addr, "db", sc.DB)
		return nil
	default:
		return fmt.Errorf("不支持的状态存储类型: %s", sc.Type)
	}
}

// NewTopology 按配置覆盖默认拓扑的 exchange 名称与 TTL
func NewTopology(bc config.BrokerConfig) broker.Topology {
	topo := broker.DefaultTopology(
		config.Duration(bc.MessageTTL, broker.DefaultMessageTTL),
		config.Duration(bc.DLQTTL, broker.DefaultDLQTTL),
	)
	if bc.Exchange != "" {
		topo.Exchange = bc.Exchange
	}
	if bc.DeadLetterExchange != "" {
		topo.DeadLetterExchange = bc.DeadLetterExchange
	}
	return topo
}

// NewBroker 根据配置创建 broker（未连接）
func NewBroker(cfg *config.Config, topo broker.Topology, logger *log.Logger) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "", "memory":
		logger.Warn("broker 使用内存实现，api 与 worker 须在同一进程")
		return broker.NewMemoryBroker(topo), nil
	case "amqp":
		return broker.NewAMQPBroker(broker.AMQPConfig{
			URL:            cfg.Broker.URL,
			ConnectTimeout: config.Duration(cfg.Broker.ConnectTimeout, 5*time.Second),
			ConsumerTag:    cfg.Worker.Name,
		}, topo, logger), nil
	default:
		return nil, fmt.Errorf("不支持的 broker 类型: %s", cfg.Broker.Type)
	}
}

// Redis 状态存储使用的 redis 客户端；memory 后端时为 nil
func (b *Bootstrap) Redis() redis.UniversalClient {
	return b.redis
}

// PublishTimeout 单次发布超时
func (b *Bootstrap) PublishTimeout() time.Duration {
	return config.Duration(b.Config.Broker.PublishTimeout, 3*time.Second)
}

// Close 关闭 broker 与 redis 连接
func (b *Bootstrap) Close() {
	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			b.Logger.Warn("关闭 broker 失败", "error", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.Logger.Warn("关闭 redis 失败", "error", err)
		}
	}
}
