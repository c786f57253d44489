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

package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"docflow/pkg/secrets"
)

// Config 应用配置结构体（api 与 worker 共用，各自只读取需要的段）
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	StatusStore StatusStoreConfig `mapstructure:"status_store"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Hub         HubConfig         `mapstructure:"hub"`
	Vector      VectorConfig      `mapstructure:"vector"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Search      SearchConfig      `mapstructure:"search"`
	Splitter    SplitterConfig    `mapstructure:"splitter"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Secrets     secrets.Config    `mapstructure:"secrets"`
}

// APIConfig Gateway 服务配置
type APIConfig struct {
	Port        int        `mapstructure:"port"`
	Host        string     `mapstructure:"host"`
	UploadDir   string     `mapstructure:"upload_dir"`
	MaxUploadMB int        `mapstructure:"max_upload_mb"`
	CORS        CORSConfig `mapstructure:"cors"`
	// RateLimitRPS 每秒请求上限，<=0 不限流
	RateLimitRPS int `mapstructure:"rate_limit_rps"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// BrokerConfig 消息代理配置
type BrokerConfig struct {
	Type               string `mapstructure:"type"` // amqp | memory
	URL                string `mapstructure:"url"`
	Exchange           string `mapstructure:"exchange"`
	DeadLetterExchange string `mapstructure:"dead_letter_exchange"`
	MessageTTL         string `mapstructure:"message_ttl"`     // 队列消息 TTL，如 "60s"
	DLQTTL             string `mapstructure:"dlq_ttl"`         // 死信队列 TTL，如 "24h"
	ConnectTimeout     string `mapstructure:"connect_timeout"` // 如 "5s"
	PublishTimeout     string `mapstructure:"publish_timeout"` // 如 "3s"
}

// StatusStoreConfig 任务状态存储配置
type StatusStoreConfig struct {
	Type        string `mapstructure:"type"` // redis | memory
	Addr        string `mapstructure:"addr"`
	DB          int    `mapstructure:"db"`
	Password    string `mapstructure:"password"`
	TTL         string `mapstructure:"ttl"`          // 记录过期时间，默认 1h
	DialTimeout string `mapstructure:"dial_timeout"` // 默认 2s
	OpTimeout   string `mapstructure:"op_timeout"`   // 单次读写超时，默认 1s
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Name                string   `mapstructure:"name"`
	Role                string   `mapstructure:"role"`      // document | embedding | all
	MaxTasks            int      `mapstructure:"max_tasks"` // 处理多少条消息后回收进程内组件，<=0 默认 100
	FileTimeout         string   `mapstructure:"file_timeout"`
	UploadDir           string   `mapstructure:"upload_dir"`
	SupportedExtensions []string `mapstructure:"supported_extensions"`
	// TerminalWriteRetries 终态写入失败后的重试次数，<1 时按 1 处理
	TerminalWriteRetries int `mapstructure:"terminal_write_retries"`
}

// HubConfig WebSocket 通知中心配置
type HubConfig struct {
	PollInterval string `mapstructure:"poll_interval"` // 默认 500ms
	SendTimeout  string `mapstructure:"send_timeout"`  // 默认 5s
}

// VectorConfig 向量存储配置（qdrant 走 REST；memory 为进程内实现）
type VectorConfig struct {
	Type       string `mapstructure:"type"`
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
	Timeout    string `mapstructure:"timeout"`
}

// EmbeddingConfig Embedding 模型配置
type EmbeddingConfig struct {
	Type      string  `mapstructure:"type"` // ollama | static
	URL       string  `mapstructure:"url"`
	Model     string  `mapstructure:"model"`
	Dimension int     `mapstructure:"dimension"`
	RPS       float64 `mapstructure:"rps"`
	Timeout   string  `mapstructure:"timeout"`
}

// SearchConfig 语义检索配置
type SearchConfig struct {
	TopK int `mapstructure:"top_k"`
	// CacheTTL 查询向量缓存时长，0 表示不缓存
	CacheTTL string `mapstructure:"cache_ttl"`
}

// SplitterConfig 分块配置
type SplitterConfig struct {
	Type         string `mapstructure:"type"` // structural | token
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
}

// DedupConfig 已入库判定配置
type DedupConfig struct {
	Type string `mapstructure:"type"` // vector | postgres | none
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	if err := replaceSecrets(context.Background(), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// replaceSecrets 替换配置中 ${VAR} 形式的密钥与连接串；secret store 未命中时回退到环境变量
func replaceSecrets(ctx context.Context, config *Config) error {
	// secrets 自身的 token 只能来自环境变量
	config.Secrets.Token, _ = secrets.Expand(ctx, secrets.NewEnvStore(), config.Secrets.Token)
	store, err := secrets.NewStore(ctx, config.Secrets)
	if err != nil {
		return fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	env := secrets.NewEnvStore()
	for _, p := range []*string{
		&config.Broker.URL,
		&config.StatusStore.Password,
		&config.Vector.APIKey,
		&config.Dedup.DSN,
	} {
		val, err := secrets.Expand(ctx, store, *p)
		if err != nil {
			return err
		}
		if val == *p {
			val, _ = secrets.Expand(ctx, env, *p)
		}
		*p = val
	}
	return nil
}

// LoadAPIConfig 加载 Gateway 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字符串，空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
