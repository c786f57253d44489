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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"docflow/internal/app"
	"docflow/internal/app/worker"
	"docflow/pkg/config"
)

func main() {
	configPath := flag.String("config", "configs/worker.yaml", "配置文件路径")
	role := flag.String("role", "", "覆盖配置中的角色: document | embedding | all")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *role != "" {
		cfg.Worker.Role = *role
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer bootstrap.Close()

	application, err := worker.NewApp(ctx, bootstrap)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	// Run 在收到信号前阻塞；进行中的消息在 ctx 结束后重新入队
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), worker.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}
	if runErr != nil {
		log.Printf("worker 异常退出: %v", runErr)
		bootstrap.Close()
		os.Exit(1)
	}
	log.Println("worker 已关闭")
}
