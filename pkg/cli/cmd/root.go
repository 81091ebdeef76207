package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LENAX/asset-flow/pkg/cli/assetflow"
	"github.com/LENAX/asset-flow/pkg/cli/output"
)

var (
	// 全局变量
	serverURL  string
	outputJSON bool
	actor      string
	timeout    time.Duration
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "asset-flow",
	Short: "Asset Flow CLI - 资产工作流与自动化规则命令行工具",
	Long: `Asset Flow CLI 是资产工作流编排与自动化规则服务的命令行客户端。

支持的功能：
  - 管理工作流实例（启动、查询、取消、挂起、恢复、归档）
  - 处理待审批项（规则审批与工作流审批关卡）
  - 管理自动化规则（从YAML文件导入、启用、停用、查看执行日志）
  - 发布领域事件、查询事件日志
  - 查询通知、重放瞬时失败的通知
  - 启动HTTP API服务

使用示例：
  # 启动资产状态变更流程
  asset-flow workflow start asset-lifecycle-transition --actor alice --set asset_id=A-1 --set target_status=retired

  # 查看待审批项
  asset-flow approval list

  # 导入规则文件
  asset-flow rule apply -f rules.yaml

  # 启动HTTP服务
  asset-flow server start --config ./configs/asset-flow.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("ASSET_FLOW_SERVER", "http://localhost:8080"), "Asset Flow服务器地址")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")
	rootCmd.PersistentFlags().StringVarP(&actor, "actor", "a", envOr("USER", ""), "操作人")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "请求超时")

	// 添加子命令
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(approvalCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(notificationCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *assetflow.Client {
	return assetflow.New(serverURL)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func requireActor() error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("需要通过 --actor 指定操作人")
	}
	return nil
}

// parsePairs 解析 key=value 参数，值按YAML标量解析，数字与布尔值保持类型
func parsePairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("参数 %q 格式应为 key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// loadDocument 读取 YAML 或 JSON 文档作为键值对象
func loadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件 %s 失败: %w", path, err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("解析文件 %s 失败: %w", path, err)
	}
	return out, nil
}

// report 输出失败信息后返回原错误
func report(what string, err error) error {
	if err != nil {
		output.Error("%s: %v", what, err)
	}
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
