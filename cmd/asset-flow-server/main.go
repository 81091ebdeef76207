package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/api"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/logging"
)

var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "./configs/asset-flow.yaml", "引擎配置文件路径")
	addr := flag.String("addr", "", "监听地址，覆盖配置文件")
	flag.Parse()

	log := logging.WithModule("server")
	if _, err := os.Stat(*configPath); err != nil {
		log.WithField("config", *configPath).Warn("⚠️ 配置文件不存在，使用默认配置")
		*configPath = ""
	}

	// 1. 构建Engine
	eng, err := engine.NewBuilder(*configPath).Build()
	if err != nil {
		log.WithError(err).Fatal("创建Engine失败")
	}
	log.WithFields(logrus.Fields{"version": Version, "commit": GitCommit, "built": BuildTime}).Info("Asset Flow Server")

	// 2. 启动Engine，收到信号后 ctx 结束
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		log.WithError(err).Fatal("启动Engine失败")
	}

	// 3. 创建API服务器
	cfg := api.DefaultServerConfig()
	cfg.Addr = eng.Config().AssetFlow.Server.Addr
	if *addr != "" {
		cfg.Addr = *addr
	}
	apiServer := api.NewAPIServer(eng, cfg, Version)

	// 4. 在goroutine中启动API服务器
	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Error("API服务器错误")
			stop()
		}
	}()

	// 5. 等待中断信号
	<-ctx.Done()
	log.Info("正在关闭服务...")

	// 6. 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.Config().AssetFlow.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("关闭API服务器失败")
	}
	eng.Stop()
	log.Info("✅ 服务已停止")
}
