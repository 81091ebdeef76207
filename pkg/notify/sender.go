package notify

import (
	"context"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// Sender 单个渠道的投递实现
// delivered 为 true 表示已确认送达；返回的错误需带 Transient/Permanent 分类
type Sender interface {
	Channel() types.Channel
	Send(ctx context.Context, n *types.Notification) (delivered bool, err error)
}

// InAppSender 站内信：通知行本身就是收件箱，保存即送达
type InAppSender struct{}

// Channel 实现 Sender
func (InAppSender) Channel() types.Channel { return types.ChannelInApp }

// Send 实现 Sender
func (InAppSender) Send(ctx context.Context, n *types.Notification) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.NewTransientError("notify.in_app", err)
	}
	return true, nil
}
