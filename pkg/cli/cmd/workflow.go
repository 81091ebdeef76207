package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	wf "github.com/LENAX/asset-flow/pkg/core/engine"
)

var (
	workflowSet        []string
	workflowConfigFile string
	workflowIdemKey    string
	workflowReason     string
	workflowList       dto.InstanceQueryRequest
)

// workflowCmd workflow子命令
var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "工作流实例管理命令",
	Long:    `启动工作流实例，查看执行状态，取消、挂起、恢复与归档。`,
}

// workflowStartCmd 启动实例
var workflowStartCmd = &cobra.Command{
	Use:   "start <workflow-type>",
	Short: "启动工作流实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireActor(); err != nil {
			return report("启动失败", err)
		}
		cfg := map[string]any{}
		if workflowConfigFile != "" {
			doc, err := loadDocument(workflowConfigFile)
			if err != nil {
				return report("启动失败", err)
			}
			cfg = doc
		}
		pairs, err := parsePairs(workflowSet)
		if err != nil {
			return report("启动失败", err)
		}
		for k, v := range pairs {
			cfg[k] = v
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		snap, err := newClient().StartWorkflow(ctx, dto.StartWorkflowRequest{
			WorkflowType:   args[0],
			Initiator:      actor,
			Configuration:  cfg,
			IdempotencyKey: workflowIdemKey,
		})
		if err != nil {
			return report("启动失败", err)
		}
		if outputJSON {
			return output.PrintJSON(snap)
		}
		output.Success("实例已启动: %s (%s)", snap.Instance.ID, snap.Instance.Status)
		return nil
	},
}

// workflowListCmd 列出实例
var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出工作流实例",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		result, err := newClient().ListWorkflows(ctx, workflowList)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无实例")
			return nil
		}

		table := output.NewTable("INSTANCE_ID", "TYPE", "STATUS", "PROGRESS", "INITIATOR", "STARTED", "DURATION")
		for _, inst := range result.Items {
			duration := "-"
			if inst.Duration != "" {
				duration = inst.Duration
			}
			table.AddRow(inst.ID, inst.WorkflowType, output.Status(string(inst.Status)), inst.Progress,
				inst.Initiator, formatTime(inst.StartedAt), duration)
		}
		table.Render()
		fmt.Fprintf(output.Out, "\n总计: %d 条记录\n", result.Total)
		return nil
	},
}

// workflowStatusCmd 查看实例状态
var workflowStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看实例执行状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		snap, err := newClient().QueryWorkflow(ctx, args[0])
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

func printSnapshot(snap *wf.Snapshot) {
	inst := snap.Instance
	w := output.Out
	fmt.Fprintf(w, "Instance:  %s\n", inst.ID)
	fmt.Fprintf(w, "Type:      %s\n", inst.WorkflowType)
	fmt.Fprintf(w, "Status:    %s\n", output.Status(string(inst.Status)))
	fmt.Fprintf(w, "Progress:  %d/%d\n", inst.CurrentStep, inst.TotalSteps)
	fmt.Fprintf(w, "Initiator: %s\n", inst.Initiator)
	fmt.Fprintf(w, "Started:   %s\n", formatTime(inst.StartTime))
	if inst.EndTime != nil {
		fmt.Fprintf(w, "Finished:  %s\n", formatTime(*inst.EndTime))
	}
	if inst.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", inst.ErrorMessage)
	}

	fmt.Fprintln(w, "\nSteps:")
	for _, st := range snap.Steps {
		line := fmt.Sprintf("  %2d. %-18s %s", st.Order, st.Name, output.Status(string(st.Status)))
		if st.Attempts > 1 {
			line += fmt.Sprintf("  (尝试 %d 次)", st.Attempts)
		}
		if st.ErrorMessage != "" {
			line += "  " + output.Truncate(st.ErrorMessage, 60)
		}
		fmt.Fprintln(w, line)
	}
}

func instanceActionCmd(use, short, done string, call func(cmd *cobra.Command, id string) (*wf.Snapshot, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return report(short+"失败", err)
			}
			snap, err := call(cmd, args[0])
			if err != nil {
				return report(short+"失败", err)
			}
			if outputJSON {
				return output.PrintJSON(snap)
			}
			output.Success("%s: %s (%s)", done, args[0], snap.Instance.Status)
			return nil
		},
	}
}

// workflowCancelCmd 取消实例
var workflowCancelCmd = instanceActionCmd("cancel", "取消实例", "实例已取消", func(cmd *cobra.Command, id string) (*wf.Snapshot, error) {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	return newClient().CancelWorkflow(ctx, id, actor, workflowReason)
})

// workflowSuspendCmd 挂起实例
var workflowSuspendCmd = instanceActionCmd("suspend", "挂起实例", "实例已挂起", func(cmd *cobra.Command, id string) (*wf.Snapshot, error) {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	return newClient().SuspendWorkflow(ctx, id, actor, workflowReason)
})

// workflowResumeCmd 恢复实例
var workflowResumeCmd = instanceActionCmd("resume", "恢复实例", "实例已恢复", func(cmd *cobra.Command, id string) (*wf.Snapshot, error) {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	return newClient().ResumeWorkflow(ctx, id, actor)
})

// workflowArchiveCmd 归档实例
var workflowArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "归档终态实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient().ArchiveWorkflow(ctx, args[0]); err != nil {
			return report("归档失败", err)
		}
		output.Success("实例已归档: %s", args[0])
		return nil
	},
}

// workflowDefinitionsCmd 列出工作流定义
var workflowDefinitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "列出已注册的工作流定义",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		defs, err := newClient().Definitions(ctx)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(defs)
		}
		table := output.NewTable("TYPE", "REQUIRED", "STEPS")
		for _, d := range defs {
			table.AddRow(d.Type, strings.Join(d.RequiredConfig, ","), strings.Join(d.Steps, " → "))
		}
		table.Render()
		return nil
	},
}

func init() {
	workflowStartCmd.Flags().StringArrayVar(&workflowSet, "set", nil, "配置项 key=value，可重复")
	workflowStartCmd.Flags().StringVarP(&workflowConfigFile, "file", "f", "", "配置文件 (YAML/JSON)")
	workflowStartCmd.Flags().StringVar(&workflowIdemKey, "idempotency-key", "", "幂等键，重复启动返回同一实例")

	workflowListCmd.Flags().StringVar(&workflowList.Status, "status", "", "按状态过滤 (Pending/Running/Suspended/Completed/Failed/Cancelled)")
	workflowListCmd.Flags().StringVar(&workflowList.WorkflowType, "type", "", "按工作流类型过滤")
	workflowListCmd.Flags().StringVar(&workflowList.Initiator, "initiator", "", "按发起人过滤")
	workflowListCmd.Flags().BoolVar(&workflowList.Archived, "archived", false, "包含已归档实例")
	workflowListCmd.Flags().IntVar(&workflowList.Limit, "limit", 20, "返回记录数量限制")
	workflowListCmd.Flags().IntVar(&workflowList.Offset, "offset", 0, "偏移量")

	workflowCancelCmd.Flags().StringVar(&workflowReason, "reason", "", "取消原因")
	workflowSuspendCmd.Flags().StringVar(&workflowReason, "reason", "", "挂起原因")

	// 添加子命令
	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowSuspendCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowArchiveCmd)
	workflowCmd.AddCommand(workflowDefinitionsCmd)
}
