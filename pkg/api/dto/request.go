package dto

import (
	"fmt"
	"strings"

	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// StartWorkflowRequest 启动工作流请求
type StartWorkflowRequest struct {
	WorkflowType   string         `json:"workflow_type" binding:"required"`
	Initiator      string         `json:"initiator" binding:"required"`
	Configuration  map[string]any `json:"configuration" binding:"omitempty"`
	IdempotencyKey string         `json:"idempotency_key" binding:"omitempty,max=128"`
}

// ActorRequest 只需要操作人和可选说明的请求（取消、挂起、恢复）
type ActorRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"omitempty"`
}

// DecisionRequest 审批决定请求
type DecisionRequest struct {
	Actor   string `json:"actor" binding:"required"`
	Comment string `json:"comment" binding:"omitempty"`
}

// RuleRequest 创建或更新规则请求
// 条件可以用文本表达式 When 或结构化的 Conditions 给出，二者择一
type RuleRequest struct {
	Name             string               `json:"name" binding:"required"`
	Description      string               `json:"description"`
	Active           *bool                `json:"active"`
	TriggerType      types.TriggerType    `json:"trigger_type" binding:"required"`
	Trigger          string               `json:"trigger"`
	Schedule         string               `json:"schedule"`
	When             string               `json:"when"`
	Conditions       *condition.Condition `json:"conditions"`
	Actions          []types.Action       `json:"actions" binding:"required,min=1"`
	Priority         int                  `json:"priority"`
	Category         string               `json:"category"`
	RequiresApproval bool                 `json:"requires_approval"`
	CreatedBy        string               `json:"created_by"`
	Version          int64                `json:"version"`
}

// ToRule 转换为规则，未给出 active 时默认启用
func (r *RuleRequest) ToRule() (*types.AutomationRule, error) {
	rule := &types.AutomationRule{
		Name:             r.Name,
		Description:      r.Description,
		Active:           true,
		TriggerType:      r.TriggerType,
		Trigger:          r.Trigger,
		Schedule:         r.Schedule,
		Conditions:       r.Conditions,
		Actions:          r.Actions,
		Priority:         r.Priority,
		Category:         r.Category,
		RequiresApproval: r.RequiresApproval,
		CreatedBy:        r.CreatedBy,
		Version:          r.Version,
	}
	if r.Active != nil {
		rule.Active = *r.Active
	}
	if when := strings.TrimSpace(r.When); when != "" {
		if r.Conditions != nil {
			return nil, types.NewValidationError("api.rule", "when 与 conditions 只能给出一个")
		}
		cond, err := condition.Parse(when)
		if err != nil {
			return nil, types.NewValidationError("api.rule", fmt.Sprintf("条件表达式无效: %v", err))
		}
		rule.Conditions = cond
	}
	return rule, nil
}

// TriggerRuleRequest 手动触发规则请求
type TriggerRuleRequest struct {
	Actor   string         `json:"actor" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// DomainEventRequest 领域事件写入请求，Sync 为真时同步评估并返回结果
type DomainEventRequest struct {
	ID      string            `json:"id"`
	Type    types.TriggerType `json:"type" binding:"required"`
	Source  string            `json:"source"`
	Actor   string            `json:"actor"`
	Payload map[string]any    `json:"payload"`
	Sync    bool              `json:"sync"`
}

// ToEvent 转换为领域事件
func (r *DomainEventRequest) ToEvent() types.DomainEvent {
	return types.DomainEvent{
		ID:      r.ID,
		Type:    r.Type,
		Source:  r.Source,
		Actor:   r.Actor,
		Payload: r.Payload,
	}
}

// ReplayRequest 重放失败通知请求
type ReplayRequest struct {
	Recipient string        `json:"recipient"`
	Channel   types.Channel `json:"channel" binding:"omitempty,oneof=email sms push in_app"`
	Limit     int           `json:"limit" binding:"omitempty,min=1,max=1000"`
}

// SubscriptionRequest 创建事件订阅请求
type SubscriptionRequest struct {
	EventType       types.EventType   `json:"event_type" binding:"required"`
	WorkflowType    string            `json:"workflow_type"`
	Filter          map[string]string `json:"filter"`
	Recipients      []string          `json:"recipients"`
	NotifyInitiator bool              `json:"notify_initiator"`
	Channel         types.Channel     `json:"channel" binding:"required,oneof=email sms push in_app"`
	SubjectTemplate string            `json:"subject_template"`
	BodyTemplate    string            `json:"body_template"`
	Priority        string            `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
}

// ToSubscription 转换为订阅
func (r *SubscriptionRequest) ToSubscription() *types.EventSubscription {
	return &types.EventSubscription{
		EventType:       r.EventType,
		WorkflowType:    r.WorkflowType,
		Filter:          r.Filter,
		Recipients:      r.Recipients,
		NotifyInitiator: r.NotifyInitiator,
		Channel:         r.Channel,
		SubjectTemplate: r.SubjectTemplate,
		BodyTemplate:    r.BodyTemplate,
		Priority:        r.Priority,
		Active:          true,
	}
}

// InstanceQueryRequest 实例列表查询请求
type InstanceQueryRequest struct {
	Status       string `form:"status" binding:"omitempty,oneof=Pending Running Suspended Completed Failed Cancelled"`
	WorkflowType string `form:"workflow_type"`
	Initiator    string `form:"initiator"`
	Archived     bool   `form:"archived"`
	Limit        int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset       int    `form:"offset" binding:"omitempty,min=0"`
}

// GetDefaultLimit 获取默认limit
func (r *InstanceQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 20
	}
	return r.Limit
}

// EventQueryRequest 事件查询请求
type EventQueryRequest struct {
	InstanceID string `form:"instance_id"`
	Type       string `form:"type"`
	Processed  *bool  `form:"processed"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// NotificationQueryRequest 通知查询请求
type NotificationQueryRequest struct {
	Status    string `form:"status" binding:"omitempty,oneof=pending sent delivered read failed"`
	Recipient string `form:"recipient"`
	Channel   string `form:"channel" binding:"omitempty,oneof=email sms push in_app"`
	Transient bool   `form:"transient"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// RuleQueryRequest 规则查询请求
type RuleQueryRequest struct {
	TriggerType string `form:"trigger_type"`
	ActiveOnly  bool   `form:"active"`
	Category    string `form:"category"`
}
