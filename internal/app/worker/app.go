package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"docflow/internal/app"
	"docflow/internal/broker"
	"docflow/internal/consumer"
	"docflow/internal/model/embedding"
	"docflow/internal/pipeline/ingest"
	"docflow/internal/splitter"
	"docflow/internal/storage/registry"
	"docflow/internal/storage/vector"
	"docflow/pkg/config"
	"docflow/pkg/log"
	"docflow/pkg/tracing"
)

// Worker 角色
const (
	RoleDocument  = "document"
	RoleEmbedding = "embedding"
	RoleAll       = "all"
)

// DefaultMaxTasks 处理多少条消息后回收进程内组件
const DefaultMaxTasks = 100

// ShutdownTimeout 默认优雅关闭时限
const ShutdownTimeout = 30 * time.Second

// DefaultWorkerID 未配置名称时使用 hostname-pid
func DefaultWorkerID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Queues 角色对应的消费队列
func Queues(role string) ([]string, error) {
	switch role {
	case "", RoleAll:
		return []string{broker.QueueDocumentProcessor, broker.QueueEmbeddingProcessor}, nil
	case RoleDocument:
		return []string{broker.QueueDocumentProcessor}, nil
	case RoleEmbedding:
		return []string{broker.QueueEmbeddingProcessor}, nil
	default:
		return nil, fmt.Errorf("未知的 worker 角色: %s", role)
	}
}

// App Worker 应用：按角色消费队列，达到 MaxTasks 后重建处理组件
type App struct {
	config      *app.Bootstrap
	logger      *log.Logger
	name        string
	index       string
	queues      []string
	revocations *consumer.Revocations
	vectors     vector.Store
	ownVectors  bool
	registry    *registry.PostgresRegistry
	metrics     *app.MetricsServer
	tracer      interface{ Shutdown(context.Context) error }
	generations atomic.Int32
}

// Option Worker 选项
type Option func(*App)

// WithVectorStore 与同进程的 Gateway 共用向量库（内存模式）
func WithVectorStore(s vector.Store) Option {
	return func(a *App) { a.vectors = s }
}

// NewApp 创建 Worker 应用；broker 在此连接，向量库与登记表跨代复用
func NewApp(ctx context.Context, bootstrap *app.Bootstrap, opts ...Option) (*App, error) {
	cfg := bootstrap.Config
	queues, err := Queues(cfg.Worker.Role)
	if err != nil {
		return nil, err
	}
	switch cfg.Dedup.Type {
	case "", "vector", "postgres", "none":
	default:
		return nil, fmt.Errorf("不支持的去重类型: %s", cfg.Dedup.Type)
	}
	name := cfg.Worker.Name
	if name == "" {
		name = DefaultWorkerID()
	}
	index := cfg.Vector.Collection
	if index == "" {
		index = "documents"
	}
	logger := bootstrap.Logger.With("worker", name)

	if err := bootstrap.Broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("连接 broker 失败: %w", err)
	}

	a := &App{
		config:      bootstrap,
		logger:      logger,
		name:        name,
		index:       index,
		queues:      queues,
		revocations: consumer.NewRevocations(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.vectors == nil {
		vectors, err := vector.NewStore(cfg.Vector)
		if err != nil {
			return nil, fmt.Errorf("初始化向量存储失败: %w", err)
		}
		a.vectors, a.ownVectors = vectors, true
	}
	if cfg.Dedup.Type == "postgres" {
		r, err := registry.NewPostgresRegistry(ctx, cfg.Dedup.DSN)
		if err != nil {
			a.closeVectors()
			return nil, fmt.Errorf("连接入库登记表失败: %w", err)
		}
		a.registry = r
	}
	if t := cfg.Monitoring.Tracing; t.Enable && t.ExportEndpoint != "" {
		serviceName := t.ServiceName
		if serviceName == "" {
			serviceName = "docflow-worker"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{ServiceName: serviceName, ExportEndpoint: t.ExportEndpoint, Insecure: t.Insecure})
		if err != nil {
			logger.Warn("初始化链路追踪失败", "error", err)
		} else {
			a.tracer = tp
		}
	}
	if p := cfg.Monitoring.Prometheus; p.Enable && p.Port > 0 {
		a.metrics = app.NewMetricsServer(p.Port, logger)
	}
	return a, nil
}

// deduper 按配置选择“已入库”判定，none 时返回 nil
func (a *App) deduper() ingest.Deduper {
	switch a.config.Config.Dedup.Type {
	case "", "vector":
		return vector.NewIngestedIndex(a.vectors, a.index)
	case "postgres":
		return a.registry
	}
	return nil
}

// newRegistry 按角色装配一代处理器，并校验覆盖所有消费的 routing key
func (a *App) newRegistry(ctx context.Context) (*consumer.Registry, error) {
	cfg := a.config.Config
	reg := consumer.NewRegistry()
	publisher := broker.NewPublisher(a.config.Broker, a.logger, a.config.PublishTimeout())

	for _, q := range a.queues {
		switch q {
		case broker.QueueDocumentProcessor:
			split, err := newSplitter(cfg.Splitter)
			if err != nil {
				return nil, err
			}
			doc := ingest.NewDocumentProcessor(ingest.DocumentDeps{
				Store:     a.config.Store,
				Parsers:   ingest.DefaultParsers(),
				Splitter:  split,
				Dedup:     a.deduper(),
				Publisher: publisher,
				Logger:    a.logger.With("component", "document"),
			}, ingest.DocumentConfig{
				Worker:              a.name,
				UploadDir:           cfg.Worker.UploadDir,
				SupportedExtensions: cfg.Worker.SupportedExtensions,
			})
			folder := ingest.NewFolderProcessor(doc, config.Duration(cfg.Worker.FileTimeout, ingest.DefaultFileTimeout))
			if err := errors.Join(doc.Register(reg), folder.Register(reg)); err != nil {
				return nil, err
			}

		case broker.QueueEmbeddingProcessor:
			embedder, err := embedding.NewEmbedder(cfg.Embedding)
			if err != nil {
				return nil, fmt.Errorf("初始化 embedding 失败: %w", err)
			}
			dim := cfg.Vector.Dimension
			if dim <= 0 {
				dim = embedder.Dimension()
			}
			if err := vector.EnsureIndex(ctx, a.vectors, a.index, dim, "cosine"); err != nil {
				return nil, fmt.Errorf("创建向量索引失败: %w", err)
			}
			deps := ingest.EmbeddingDeps{
				Store:    a.config.Store,
				Embedder: embedder,
				Vectors:  a.vectors,
				Logger:   a.logger.With("component", "embedding"),
			}
			if a.registry != nil {
				deps.Recorder = a.registry
			}
			emb := ingest.NewEmbeddingProcessor(deps, ingest.EmbeddingConfig{Worker: a.name, Index: a.index})
			if err := emb.Register(reg); err != nil {
				return nil, err
			}
		}
	}

	if err := reg.Validate(a.config.Topology, a.queues); err != nil {
		return nil, err
	}
	return reg, nil
}

// newSplitter 按名称从切片引擎选择
func newSplitter(sc config.SplitterConfig) (ingest.TextSplitter, error) {
	name := strings.TrimSpace(sc.Type)
	if name == "" {
		name = "structural"
	}
	engine := splitter.NewEngine(splitter.Options{ChunkSize: sc.ChunkSize, ChunkOverlap: sc.ChunkOverlap})
	s, err := engine.GetSplitter(name)
	if err != nil {
		return nil, fmt.Errorf("初始化切片器失败: %w", err)
	}
	return s, nil
}

// Run 消费直到 ctx 结束；每达到 MaxTasks 条消息重建一代组件
func (a *App) Run(ctx context.Context) error {
	cfg := a.config.Config
	if a.metrics != nil {
		a.metrics.Start()
	}
	if err := a.revocations.Listen(ctx, a.config.Broker, a.logger); err != nil {
		a.logger.Warn("订阅撤销广播失败，仅依赖状态检查", "error", err)
	}
	maxTasks := cfg.Worker.MaxTasks
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}

	for {
		reg, err := a.newRegistry(ctx)
		if err != nil {
			return err
		}
		gen := a.generations.Add(1)
		dispatcher := consumer.NewDispatcher(reg, a.config.Store, a.revocations, a.logger, consumer.DispatcherConfig{
			TerminalWriteRetries: cfg.Worker.TerminalWriteRetries,
		})
		runner := consumer.NewRunner(a.config.Broker, dispatcher, a.queues, maxTasks, a.logger)
		a.logger.Info("worker 开始消费", "queues", a.queues, "generation", gen, "routing_keys", reg.Keys())

		err = runner.Run(ctx)
		if errors.Is(err, consumer.ErrRecycle) {
			a.logger.Info("达到最大处理数，回收处理组件", "handled", runner.Handled())
			continue
		}
		return err
	}
}

// Generations 已启动的组件代数
func (a *App) Generations() int {
	return int(a.generations.Load())
}

func (a *App) closeVectors() {
	if !a.ownVectors {
		return
	}
	if err := a.vectors.Close(); err != nil {
		a.logger.Warn("关闭向量存储失败", "error", err)
	}
}

// Shutdown 关闭向量库、登记表、指标与追踪；broker 与状态存储由 Bootstrap.Close 释放
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")
	a.closeVectors()
	if a.registry != nil {
		a.registry.Close()
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	return nil
}
