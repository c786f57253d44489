package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docflow/internal/app"
	"docflow/internal/app/api"
	"docflow/internal/app/worker"
	"docflow/pkg/config"
)

func main() {
	configPath := flag.String("config", "configs/api.yaml", "配置文件路径")
	embedded := flag.Bool("embedded-worker", false, "在同一进程内运行 worker（配合 memory broker 做本地开发）")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer bootstrap.Close()

	application, err := api.NewApp(ctx, bootstrap)
	if err != nil {
		log.Fatalf("创建 API 应用失败: %v", err)
	}

	var w *worker.App
	workerDone := make(chan error, 1)
	if *embedded {
		w, err = worker.NewApp(ctx, bootstrap, worker.WithVectorStore(application.Vectors()))
		if err != nil {
			log.Fatalf("创建内嵌 worker 失败: %v", err)
		}
		go func() { workerDone <- w.Run(ctx) }()
	}

	addr := ":8000"
	if cfg.API.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	}
	go func() {
		if err := application.Run(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("API 服务异常退出: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭失败: %v", err)
	}
	if w != nil {
		if err := <-workerDone; err != nil {
			log.Printf("内嵌 worker 退出: %v", err)
		}
		_ = w.Shutdown(shutdownCtx)
	}
	log.Println("API 服务已关闭")
}
