package types

import (
	"fmt"
	"time"
)

// Channel 通知渠道
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// IsValid 检查渠道是否有效
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	default:
		return false
	}
}

// 通知优先级
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Notification 发给单个接收人的一条通知（对外导出）
type Notification struct {
	ID          string             `json:"id"`
	Recipient   string             `json:"recipient"`
	Channel     Channel            `json:"channel"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Data        map[string]any     `json:"data,omitempty"`
	EntityType  string             `json:"entity_type,omitempty"`
	EntityID    string             `json:"entity_id,omitempty"`
	EventID     string             `json:"event_id,omitempty"`
	Priority    string             `json:"priority"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	Transient   bool               `json:"transient"`
	ReplayOf    string             `json:"replay_of,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt *time.Time         `json:"delivered_at,omitempty"`
	ReadAt      *time.Time         `json:"read_at,omitempty"`
	FailedAt    *time.Time         `json:"failed_at,omitempty"`
}

// TransitionTo 单调状态转换，同时记录对应的时间戳
func (n *Notification) TransitionTo(target NotificationStatus, at time.Time) error {
	if !n.Status.CanTransitionTo(target) {
		return NewValidationError("notification.transition",
			fmt.Sprintf("通知 %s 不能从 %s 转换到 %s", n.ID, n.Status, target))
	}
	t := at
	switch target {
	case NotificationSent:
		n.SentAt = &t
	case NotificationDelivered:
		if n.SentAt == nil {
			n.SentAt = &t
		}
		n.DeliveredAt = &t
	case NotificationRead:
		n.ReadAt = &t
	case NotificationFailed:
		n.FailedAt = &t
	}
	n.Status = target
	return nil
}

// EventSubscription 事件订阅：事件类型+过滤条件 -> 通知配置
type EventSubscription struct {
	ID              string            `json:"id" yaml:"id,omitempty"`
	EventType       EventType         `json:"event_type" yaml:"event_type"`
	WorkflowType    string            `json:"workflow_type,omitempty" yaml:"workflow_type,omitempty"`
	Filter          map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Recipients      []string          `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	NotifyInitiator bool              `json:"notify_initiator" yaml:"notify_initiator"`
	Channel         Channel           `json:"channel" yaml:"channel"`
	SubjectTemplate string            `json:"subject_template,omitempty" yaml:"subject_template,omitempty"`
	BodyTemplate    string            `json:"body_template,omitempty" yaml:"body_template,omitempty"`
	Priority        string            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active          bool              `json:"active" yaml:"active"`
	CreatedAt       time.Time         `json:"created_at" yaml:"-"`
}

// Matches 判断订阅是否匹配事件
// EventType 为 "*" 时匹配所有事件；Filter 对载荷做字符串相等比较
func (s *EventSubscription) Matches(eventType EventType, workflowType string, payload map[string]any) bool {
	if !s.Active {
		return false
	}
	if s.EventType != "*" && s.EventType != eventType {
		return false
	}
	if s.WorkflowType != "" && s.WorkflowType != workflowType {
		return false
	}
	for k, want := range s.Filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// OutboundMessage 直接发给指定接收人的消息，由步骤和规则动作使用
type OutboundMessage struct {
	Recipients []string       `json:"recipients"`
	Channel    Channel        `json:"channel"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Priority   string         `json:"priority,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
