package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/core/rules"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

var (
	eventID      string
	eventSource  string
	eventPayload []string
	eventSync    bool
	eventQuery   dto.EventQueryRequest
)

// eventCmd event子命令
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "领域事件与事件日志命令",
}

// eventPublishCmd 发布领域事件
var eventPublishCmd = &cobra.Command{
	Use:   "publish <trigger-type>",
	Short: "发布领域事件",
	Long: `发布领域事件交给自动化规则引擎评估。

示例：
  asset-flow event publish StockLevelReached --set item_id=ITEM-1 --set quantity=3 --set reorder_level=5 --sync`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trigger := types.TriggerType(args[0])
		if !trigger.IsValid() {
			return report("发布失败", fmt.Errorf("未知的事件类型: %s", args[0]))
		}
		payload, err := parsePairs(eventPayload)
		if err != nil {
			return report("发布失败", err)
		}
		req := dto.DomainEventRequest{
			ID:      eventID,
			Type:    trigger,
			Source:  eventSource,
			Actor:   actor,
			Payload: payload,
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		client := newClient()
		if !eventSync {
			if err := client.PublishEvent(ctx, req); err != nil {
				return report("发布失败", err)
			}
			output.Success("事件已发布: %s", trigger)
			return nil
		}
		eval, err := client.EvaluateEvent(ctx, req)
		if err != nil {
			return report("评估失败", err)
		}
		if outputJSON {
			return output.PrintJSON(eval)
		}
		printEvaluation(eval.EventID, eval.Matched, eval.Firings)
		return nil
	},
}

func printEvaluation(eventID string, matched int, firings []*rules.Firing) {
	output.Info("事件 %s 命中 %d 条规则", eventID, matched)
	for _, f := range firings {
		switch {
		case f.ApprovalID != "":
			output.Warning("%s: 等待审批 %s", f.RuleName, f.ApprovalID)
		case f.Success:
			output.Success("%s: 执行成功", f.RuleName)
		default:
			output.Error("%s: %s", f.RuleName, f.Error)
		}
	}
}

// eventListCmd 查询事件日志
var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "查询事件日志",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		events, err := newClient().ListEvents(ctx, eventQuery)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(events)
		}
		if len(events) == 0 {
			output.Info("暂无事件")
			return nil
		}
		table := output.NewTable("SEQ", "TIME", "INSTANCE", "TYPE", "STEP", "ACTOR")
		for _, ev := range events {
			table.AddRow(fmt.Sprint(ev.Seq), formatTime(ev.Timestamp), ev.InstanceID, string(ev.Type), ev.StepName, ev.Actor)
		}
		table.Render()
		return nil
	},
}

func init() {
	eventPublishCmd.Flags().StringVar(&eventID, "id", "", "事件ID，同一ID的事件只执行一次规则动作")
	eventPublishCmd.Flags().StringVar(&eventSource, "source", "cli", "事件来源")
	eventPublishCmd.Flags().StringArrayVar(&eventPayload, "set", nil, "事件载荷 key=value，可重复")
	eventPublishCmd.Flags().BoolVar(&eventSync, "sync", false, "同步评估并输出规则执行结果")

	eventListCmd.Flags().StringVar(&eventQuery.InstanceID, "instance", "", "按实例过滤")
	eventListCmd.Flags().StringVar(&eventQuery.Type, "type", "", "按事件类型过滤")
	eventListCmd.Flags().IntVar(&eventQuery.Limit, "limit", 100, "返回记录数量限制")

	eventCmd.AddCommand(eventPublishCmd)
	eventCmd.AddCommand(eventListCmd)
}
