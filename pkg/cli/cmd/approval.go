package cmd

import (
	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

var (
	approvalSource  string
	approvalComment string
)

// approvalCmd approval子命令
var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "审批管理命令",
	Long:  `查看待审批项，通过或拒绝规则审批与工作流审批关卡。`,
}

// approvalListCmd 列出待审批项
var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出待审批项",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		list, err := newClient().ListPendingApprovals(ctx, types.ApprovalSource(approvalSource))
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(list)
		}
		if len(list) == 0 {
			output.Info("暂无待审批项")
			return nil
		}
		table := output.NewTable("APPROVAL_ID", "SOURCE", "SUBJECT", "REQUESTED")
		for _, a := range list {
			subject := a.RuleID
			if a.Source == types.ApprovalSourceWorkflow {
				subject = a.InstanceID + "/" + a.StepName
			}
			table.AddRow(a.ID, string(a.Source), subject, formatTime(a.RequestedAt))
		}
		table.Render()
		return nil
	},
}

func decisionCmd(use, short string, approved bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return report("审批失败", err)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient().DecideApproval(ctx, args[0], actor, approved, approvalComment)
			if err != nil {
				return report("审批失败", err)
			}
			if outputJSON {
				return output.PrintJSON(out)
			}
			output.Success("审批项 %s 已%s", args[0], output.Status(string(out.Approval.Status)))
			switch {
			case out.Workflow != nil:
				output.Info("实例 %s 当前状态: %s", out.Workflow.Instance.ID, out.Workflow.Instance.Status)
			case out.Firing != nil && !out.Firing.Success:
				output.Warning("规则动作执行失败: %s", out.Firing.Error)
			}
			return nil
		},
	}
}

var (
	approvalApproveCmd = decisionCmd("approve", "通过审批", true)
	approvalRejectCmd  = decisionCmd("reject", "拒绝审批", false)
)

func init() {
	approvalListCmd.Flags().StringVar(&approvalSource, "source", "", "按来源过滤 (rule/workflow)")
	for _, c := range []*cobra.Command{approvalApproveCmd, approvalRejectCmd} {
		c.Flags().StringVarP(&approvalComment, "comment", "m", "", "审批意见")
	}

	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalApproveCmd)
	approvalCmd.AddCommand(approvalRejectCmd)
}
