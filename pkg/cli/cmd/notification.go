package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

var (
	notificationQuery dto.NotificationQueryRequest
	replayRequest     dto.ReplayRequest
)

// notificationCmd notification子命令
var notificationCmd = &cobra.Command{
	Use:     "notification",
	Aliases: []string{"notify"},
	Short:   "通知管理命令",
}

// notificationListCmd 查询通知
var notificationListCmd = &cobra.Command{
	Use:   "list",
	Short: "查询通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		list, err := newClient().ListNotifications(ctx, notificationQuery)
		if err != nil {
			return report("查询失败", err)
		}
		if outputJSON {
			return output.PrintJSON(list)
		}
		if len(list) == 0 {
			output.Info("暂无通知")
			return nil
		}
		table := output.NewTable("NOTIFICATION_ID", "RECIPIENT", "CHANNEL", "STATUS", "ATTEMPTS", "SUBJECT", "ERROR")
		for _, n := range list {
			status := output.Status(string(n.Status))
			if n.Transient && n.Status == types.NotificationFailed {
				status += " (可重放)"
			}
			table.AddRow(n.ID, n.Recipient, string(n.Channel), status, fmt.Sprint(n.Attempts),
				output.Truncate(n.Subject, 30), output.Truncate(n.LastError, 30))
		}
		table.Render()
		return nil
	},
}

// notificationReadCmd 标记已读
var notificationReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "标记通知已读",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		n, err := newClient().MarkNotificationRead(ctx, args[0])
		if err != nil {
			return report("标记失败", err)
		}
		if outputJSON {
			return output.PrintJSON(n)
		}
		output.Success("通知已读: %s", n.ID)
		return nil
	},
}

// notificationReplayCmd 重放失败通知
var notificationReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "重放瞬时失败的通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		result, err := newClient().ReplayFailedNotifications(ctx, replayRequest)
		if err != nil {
			return report("重放失败", err)
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		output.Success("已重放 %d 条通知", result.Replayed)
		return nil
	},
}

func init() {
	notificationListCmd.Flags().StringVar(&notificationQuery.Status, "status", "", "按状态过滤 (pending/sent/delivered/read/failed)")
	notificationListCmd.Flags().StringVar(&notificationQuery.Recipient, "recipient", "", "按接收人过滤")
	notificationListCmd.Flags().StringVar(&notificationQuery.Channel, "channel", "", "按渠道过滤 (email/sms/push/in_app)")
	notificationListCmd.Flags().BoolVar(&notificationQuery.Transient, "transient", false, "只列出可重放的失败通知")
	notificationListCmd.Flags().IntVar(&notificationQuery.Limit, "limit", 100, "返回记录数量限制")

	notificationReplayCmd.Flags().StringVar(&replayRequest.Recipient, "recipient", "", "只重放该接收人的通知")
	notificationReplayCmd.Flags().Var(newChannelValue(&replayRequest.Channel), "channel", "只重放该渠道的通知")
	notificationReplayCmd.Flags().IntVar(&replayRequest.Limit, "limit", 0, "最多重放条数")

	notificationCmd.AddCommand(notificationListCmd)
	notificationCmd.AddCommand(notificationReadCmd)
	notificationCmd.AddCommand(notificationReplayCmd)
}

// channelValue 渠道参数，解析时校验取值
type channelValue struct {
	target *types.Channel
}

func newChannelValue(target *types.Channel) *channelValue {
	return &channelValue{target: target}
}

func (v *channelValue) String() string {
	if v.target == nil {
		return ""
	}
	return string(*v.target)
}

func (v *channelValue) Set(s string) error {
	ch := types.Channel(s)
	switch ch {
	case types.ChannelEmail, types.ChannelSMS, types.ChannelPush, types.ChannelInApp:
		*v.target = ch
		return nil
	}
	return fmt.Errorf("未知的渠道: %s", s)
}

func (v *channelValue) Type() string {
	return "channel"
}
