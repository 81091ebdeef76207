package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/api"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/engine"
)

var (
	serverAddr string
	configPath string
)

// serverCmd server子命令
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "服务管理命令",
	Long:  `管理Asset Flow HTTP API服务。`,
}

// serverStartCmd 启动服务
var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动HTTP API服务",
	Long: `启动Asset Flow HTTP API服务。

示例：
  # 使用默认配置启动（内存协作模块 + 本地sqlite）
  asset-flow server start

  # 指定配置文件与监听地址
  asset-flow server start --config ./configs/asset-flow.yaml --addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			for _, p := range []string{"./configs/asset-flow.yaml", "./config/asset-flow.yaml", "./asset-flow.yaml"} {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
		if configPath != "" {
			output.Info("使用配置文件: %s", configPath)
		} else {
			output.Warning("未找到配置文件，使用默认配置")
		}

		eng, err := engine.NewBuilder(configPath).Build()
		if err != nil {
			return report("创建Engine失败", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := eng.Start(ctx); err != nil {
			eng.Stop()
			return report("启动Engine失败", err)
		}

		serverCfg := api.DefaultServerConfig()
		serverCfg.Addr = eng.Config().AssetFlow.Server.Addr
		if serverAddr != "" {
			serverCfg.Addr = serverAddr
		}
		apiServer := api.NewAPIServer(eng, serverCfg, Version)

		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start()
		}()
		output.Success("Asset Flow Server started on %s", serverCfg.Addr)

		select {
		case <-ctx.Done():
			output.Info("正在关闭服务...")
		case err = <-errCh:
			if err != nil {
				output.Error("API服务器错误: %v", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.Config().AssetFlow.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			output.Error("关闭API服务器失败: %v", err)
		}
		eng.Stop()
		output.Success("服务已停止")
		return err
	},
}

func init() {
	serverStartCmd.Flags().StringVar(&serverAddr, "addr", "", "监听地址，覆盖配置文件中的 server.addr")
	serverStartCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")

	serverCmd.AddCommand(serverStartCmd)
}
