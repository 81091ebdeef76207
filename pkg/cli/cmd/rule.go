package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/cli/assetflow"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

var (
	ruleFile     string
	ruleQuery    dto.RuleQueryRequest
	ruleLogLimit int
	rulePayload  []string
)

// ruleCmd rule子命令
var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "自动化规则管理命令",
	Long:  `从YAML文件导入规则，查看、启用、停用、删除规则，查看执行日志与手动触发。`,
}

// ruleListCmd 列出规则
var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出规则",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		list, err := newClient().ListRules(ctx, ruleQuery)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(list)
		}
		if len(list) == 0 {
			output.Info("暂无规则")
			return nil
		}
		table := output.NewTable("RULE_ID", "NAME", "TRIGGER", "ACTIVE", "PRIORITY", "RUNS", "FAILURES", "LAST")
		for _, r := range list {
			table.AddRow(r.ID, r.Name, string(r.TriggerType), strconv.FormatBool(r.Active), strconv.Itoa(r.Priority),
				strconv.FormatInt(r.ExecutionCount, 10), strconv.FormatInt(r.FailureCount, 10), r.LastOutcome)
		}
		table.Render()
		return nil
	},
}

// ruleGetCmd 查看规则
var ruleGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看规则详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		rule, err := newClient().GetRule(ctx, args[0])
		if err != nil {
			return report("查询失败", err)
		}
		return output.PrintJSON(rule)
	},
}

// ruleApplyCmd 按名称创建或更新规则
var ruleApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "从YAML文件导入规则",
	Long: `从YAML文件导入规则，按名称匹配：已存在的规则更新，不存在的创建。

文件格式：
  rules:
    - name: low-stock-reorder
      trigger_type: StockLevelReached
      when: quantity <= reorder_level
      actions:
        - kind: create_procurement_request
          params: {item_id_field: item_id, quantity: 20}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleFile == "" {
			return report("导入失败", fmt.Errorf("需要通过 -f 指定规则文件"))
		}
		specs, err := assetflow.LoadRuleFile(ruleFile)
		if err != nil {
			return report("导入失败", err)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		client := newClient()
		existing, err := client.ListRules(ctx, dto.RuleQueryRequest{})
		if err != nil {
			return report("导入失败", err)
		}
		byName := make(map[string]*types.AutomationRule, len(existing))
		for _, r := range existing {
			byName[r.Name] = r
		}

		applied := make([]*types.AutomationRule, 0, len(specs))
		for _, spec := range specs {
			req := spec.Request()
			if req.CreatedBy == "" {
				req.CreatedBy = actor
			}
			var rule *types.AutomationRule
			if cur, ok := byName[spec.Name]; ok {
				req.Version = cur.Version
				rule, err = client.UpdateRule(ctx, cur.ID, req)
			} else {
				rule, err = client.CreateRule(ctx, req)
			}
			if err != nil {
				return report(fmt.Sprintf("导入规则 %s 失败", spec.Name), err)
			}
			applied = append(applied, rule)
			if !outputJSON {
				output.Success("规则已导入: %s (%s)", rule.Name, rule.ID)
			}
		}
		if outputJSON {
			return output.PrintJSON(applied)
		}
		return nil
	},
}

func ruleToggleCmd(use, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			client := newClient()
			var (
				rule *types.AutomationRule
				err  error
			)
			if enable {
				rule, err = client.EnableRule(ctx, args[0])
			} else {
				rule, err = client.DisableRule(ctx, args[0])
			}
			if err != nil {
				return report(short+"失败", err)
			}
			if outputJSON {
				return output.PrintJSON(rule)
			}
			output.Success("规则 %s active=%t", rule.Name, rule.Active)
			return nil
		},
	}
}

var (
	ruleEnableCmd  = ruleToggleCmd("enable", "启用规则", true)
	ruleDisableCmd = ruleToggleCmd("disable", "停用规则", false)
)

// ruleDeleteCmd 删除规则
var ruleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "删除规则",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient().DeleteRule(ctx, args[0]); err != nil {
			return report("删除失败", err)
		}
		output.Success("规则已删除: %s", args[0])
		return nil
	},
}

// ruleLogsCmd 查看执行日志
var ruleLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "查看规则执行日志",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		logs, err := newClient().RuleLogs(ctx, args[0], ruleLogLimit)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(logs)
		}
		table := output.NewTable("EXECUTED", "EVENT", "RESULT", "ACTION", "ERROR")
		for _, l := range logs {
			result := "✅"
			if !l.Success {
				result = "❌"
			}
			table.AddRow(formatTime(l.ExecutedAt), l.EventID, result, l.ActionTaken, output.Truncate(l.ErrorMessage, 40))
		}
		table.Render()
		return nil
	},
}

// ruleTriggerCmd 手动触发
var ruleTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "手动触发规则",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireActor(); err != nil {
			return report("触发失败", err)
		}
		payload, err := parsePairs(rulePayload)
		if err != nil {
			return report("触发失败", err)
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		eval, err := newClient().TriggerRule(ctx, args[0], actor, payload)
		if err != nil {
			return report("触发失败", err)
		}
		if outputJSON {
			return output.PrintJSON(eval)
		}
		printEvaluation(eval.EventID, eval.Matched, eval.Firings)
		return nil
	},
}

func init() {
	ruleListCmd.Flags().StringVar(&ruleQuery.TriggerType, "trigger", "", "按触发类型过滤")
	ruleListCmd.Flags().StringVar(&ruleQuery.Category, "category", "", "按分类过滤")
	ruleListCmd.Flags().BoolVar(&ruleQuery.ActiveOnly, "active", false, "只列出启用的规则")

	ruleApplyCmd.Flags().StringVarP(&ruleFile, "file", "f", "", "规则文件 (YAML)")
	ruleLogsCmd.Flags().IntVar(&ruleLogLimit, "limit", 50, "返回记录数量限制")
	ruleTriggerCmd.Flags().StringArrayVar(&rulePayload, "set", nil, "事件载荷 key=value，可重复")

	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleGetCmd)
	ruleCmd.AddCommand(ruleApplyCmd)
	ruleCmd.AddCommand(ruleEnableCmd)
	ruleCmd.AddCommand(ruleDisableCmd)
	ruleCmd.AddCommand(ruleDeleteCmd)
	ruleCmd.AddCommand(ruleLogsCmd)
	ruleCmd.AddCommand(ruleTriggerCmd)
}
