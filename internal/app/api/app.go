package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"docflow/internal/api/http"
	"docflow/internal/api/http/middleware"
	"docflow/internal/app"
	"docflow/internal/broker"
	"docflow/internal/model/embedding"
	"docflow/internal/notify"
	"docflow/internal/pipeline/query"
	"docflow/internal/storage/cache"
	"docflow/internal/storage/object"
	"docflow/internal/storage/vector"
	"docflow/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App Gateway 应用：HTTP 路由、WebSocket 通知中心与检索代理
type App struct {
	config       *app.Bootstrap
	hub          *notify.Hub
	vectors      vector.Store
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 装配 Gateway；broker 在此连接
func NewApp(ctx context.Context, bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	logger := bootstrap.Logger

	if err := bootstrap.Broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("连接 broker 失败: %w", err)
	}
	publisher := broker.NewPublisher(bootstrap.Broker, logger, bootstrap.PublishTimeout())

	hub := notify.NewHub(bootstrap.Store, logger.With("component", "hub"), notify.Config{
		PollInterval: config.Duration(cfg.Hub.PollInterval, 500*time.Millisecond),
		SendTimeout:  config.Duration(cfg.Hub.SendTimeout, 5*time.Second),
	})

	vectors, err := vector.NewStore(cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("初始化向量存储失败: %w", err)
	}
	embedder, err := embedding.NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("初始化 embedding 失败: %w", err)
	}
	searcher := query.NewRetriever(embedder, vectors, cfg.Vector.Collection, cfg.Search.TopK, logger.With("component", "retriever"))
	if ttl := config.Duration(cfg.Search.CacheTTL, 0); ttl > 0 {
		var qcache cache.Store = cache.NewMemoryStore(0)
		if client := bootstrap.Redis(); client != nil {
			qcache = cache.NewRedisStore(client, "docflow:")
		}
		searcher.WithCache(qcache, ttl)
	}

	uploadDir := cfg.API.UploadDir
	if uploadDir == "" {
		uploadDir = cfg.Worker.UploadDir
	}
	handler := http.NewHandler(http.Deps{
		Store:     bootstrap.Store,
		Publisher: publisher,
		Hub:       hub,
		Searcher:  searcher,
		Files:     object.NewFileStore(uploadDir),
		Logger:    logger.With("component", "gateway"),
	}, uploadDir)
	mw := middleware.NewMiddleware(middleware.Config{
		CORSEnable:   cfg.API.CORS.Enable,
		AllowOrigins: cfg.API.CORS.AllowOrigins,
		RateLimitRPS: cfg.API.RateLimitRPS,
	}, logger)
	router := http.NewRouter(handler, mw)
	router.SetMaxUploadMB(cfg.API.MaxUploadMB)

	return &App{
		config:    bootstrap,
		hub:       hub,
		vectors:   vectors,
		router:    router,
	}, nil
}

// Vectors Gateway 使用的向量库，供同进程 worker 共用
func (a *App) Vectors() vector.Store {
	return a.vectors
}

// Run 启动 HTTP 服务，addr 如 ":8000"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("Gateway 启动", "addr", addr)
	cfg := a.config.Config

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := a.config.Logger.Output()
	if output == nil {
		output = os.Stdout
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(a.config.Logger.Level())
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tracing := cfg.Monitoring.Tracing
	endpoint := tracing.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tracing.Enable && endpoint != "" {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "docflow-gateway"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(endpoint),
		}
		if tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
		a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	a.hub.Close()
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	// broker 与状态存储由 Bootstrap.Close 释放
	return a.vectors.Close()
}
