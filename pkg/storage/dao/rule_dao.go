package dao

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// AutomationRuleDAO automation_rule表的数据访问对象（内部使用）
type AutomationRuleDAO struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	Description      string         `db:"description"`
	Active           bool           `db:"active"`
	TriggerType      string         `db:"trigger_type"`
	TriggerText      string         `db:"trigger_text"`
	Schedule         string         `db:"schedule"`
	Conditions       sql.NullString `db:"conditions"` // JSON格式存储
	Actions          string         `db:"actions"`    // JSON格式存储
	CreatedBy        string         `db:"created_by"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	ExecutionCount   int64          `db:"execution_count"`
	FailureCount     int64          `db:"failure_count"`
	LastExecutedAt   sql.NullTime   `db:"last_executed_at"`
	LastOutcome      string         `db:"last_outcome"`
	Priority         int            `db:"priority"`
	Category         string         `db:"category"`
	RequiresApproval bool           `db:"requires_approval"`
	Version          int64          `db:"version"`
}

// AutomationLogDAO automation_log表的数据访问对象（内部使用）
type AutomationLogDAO struct {
	ID           string    `db:"id"`
	RuleID       string    `db:"rule_id"`
	EventID      string    `db:"event_id"`
	ExecutedAt   time.Time `db:"executed_at"`
	Success      bool      `db:"success"`
	ErrorMessage string    `db:"error_message"`
	ExecutedBy   string    `db:"executed_by"`
	ActionTaken  string    `db:"action_taken"`
	Detail       string    `db:"detail"`
}

// ApprovalDAO approval表的数据访问对象（内部使用）
type ApprovalDAO struct {
	ID          string       `db:"id"`
	Source      string       `db:"source"`
	RuleID      string       `db:"rule_id"`
	EventID     string       `db:"event_id"`
	InstanceID  string       `db:"instance_id"`
	StepName    string       `db:"step_name"`
	Actions     string       `db:"actions"`
	Payload     string       `db:"payload"`
	Status      string       `db:"status"`
	RequestedAt time.Time    `db:"requested_at"`
	DecidedAt   sql.NullTime `db:"decided_at"`
	DecidedBy   string       `db:"decided_by"`
	Comment     string       `db:"comment"`
}

// FromRule 领域对象转换为DAO
func FromRule(r *types.AutomationRule) (*AutomationRuleDAO, error) {
	conds := sql.NullString{}
	if r.Conditions != nil {
		raw, err := marshalAny(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("序列化规则条件失败: %w", err)
		}
		conds = sql.NullString{String: raw, Valid: true}
	}
	actions, err := marshalAny(r.Actions)
	if err != nil {
		return nil, fmt.Errorf("序列化规则动作失败: %w", err)
	}
	return &AutomationRuleDAO{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Active:           r.Active,
		TriggerType:      string(r.TriggerType),
		TriggerText:      r.Trigger,
		Schedule:         r.Schedule,
		Conditions:       conds,
		Actions:          actions,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		ExecutionCount:   r.ExecutionCount,
		FailureCount:     r.FailureCount,
		LastExecutedAt:   nullTime(r.LastExecutedAt),
		LastOutcome:      r.LastOutcome,
		Priority:         r.Priority,
		Category:         r.Category,
		RequiresApproval: r.RequiresApproval,
		Version:          r.Version,
	}, nil
}

// ToRule DAO转换为领域对象
func (d *AutomationRuleDAO) ToRule() (*types.AutomationRule, error) {
	var conds *condition.Condition
	if d.Conditions.Valid && d.Conditions.String != "" && d.Conditions.String != "null" {
		conds = &condition.Condition{}
		if err := unmarshalAny(d.Conditions.String, conds); err != nil {
			return nil, fmt.Errorf("解析规则 %s 条件失败: %w", d.ID, err)
		}
	}
	var actions []types.Action
	if err := unmarshalAny(d.Actions, &actions); err != nil {
		return nil, fmt.Errorf("解析规则 %s 动作失败: %w", d.ID, err)
	}
	return &types.AutomationRule{
		ID:               d.ID,
		Name:             d.Name,
		Description:      d.Description,
		Active:           d.Active,
		TriggerType:      types.TriggerType(d.TriggerType),
		Trigger:          d.TriggerText,
		Schedule:         d.Schedule,
		Conditions:       conds,
		Actions:          actions,
		CreatedBy:        d.CreatedBy,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ExecutionCount:   d.ExecutionCount,
		FailureCount:     d.FailureCount,
		LastExecutedAt:   timePtr(d.LastExecutedAt),
		LastOutcome:      d.LastOutcome,
		Priority:         d.Priority,
		Category:         d.Category,
		RequiresApproval: d.RequiresApproval,
		Version:          d.Version,
	}, nil
}

// FromAutomationLog 领域对象转换为DAO
func FromAutomationLog(l *types.AutomationLog) (*AutomationLogDAO, error) {
	detail, err := marshalMap(l.Detail)
	if err != nil {
		return nil, fmt.Errorf("序列化执行详情失败: %w", err)
	}
	return &AutomationLogDAO{
		ID:           l.ID,
		RuleID:       l.RuleID,
		EventID:      l.EventID,
		ExecutedAt:   l.ExecutedAt.UTC(),
		Success:      l.Success,
		ErrorMessage: l.ErrorMessage,
		ExecutedBy:   l.ExecutedBy,
		ActionTaken:  l.ActionTaken,
		Detail:       detail,
	}, nil
}

// ToAutomationLog DAO转换为领域对象
func (d *AutomationLogDAO) ToAutomationLog() (*types.AutomationLog, error) {
	detail, err := unmarshalMap(d.Detail)
	if err != nil {
		return nil, fmt.Errorf("解析执行日志 %s 详情失败: %w", d.ID, err)
	}
	return &types.AutomationLog{
		ID:           d.ID,
		RuleID:       d.RuleID,
		EventID:      d.EventID,
		ExecutedAt:   d.ExecutedAt,
		Success:      d.Success,
		ErrorMessage: d.ErrorMessage,
		ExecutedBy:   d.ExecutedBy,
		ActionTaken:  d.ActionTaken,
		Detail:       detail,
	}, nil
}

// FromApproval 领域对象转换为DAO
func FromApproval(a *types.Approval) (*ApprovalDAO, error) {
	actions, err := marshalAny(a.Actions)
	if err != nil {
		return nil, fmt.Errorf("序列化审批动作失败: %w", err)
	}
	payload, err := marshalMap(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("序列化审批载荷失败: %w", err)
	}
	return &ApprovalDAO{
		ID:          a.ID,
		Source:      string(a.Source),
		RuleID:      a.RuleID,
		EventID:     a.EventID,
		InstanceID:  a.InstanceID,
		StepName:    a.StepName,
		Actions:     actions,
		Payload:     payload,
		Status:      string(a.Status),
		RequestedAt: a.RequestedAt.UTC(),
		DecidedAt:   nullTime(a.DecidedAt),
		DecidedBy:   a.DecidedBy,
		Comment:     a.Comment,
	}, nil
}

// ToApproval DAO转换为领域对象
func (d *ApprovalDAO) ToApproval() (*types.Approval, error) {
	var actions []types.Action
	if err := unmarshalAny(d.Actions, &actions); err != nil {
		return nil, fmt.Errorf("解析审批 %s 动作失败: %w", d.ID, err)
	}
	payload, err := unmarshalMap(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("解析审批 %s 载荷失败: %w", d.ID, err)
	}
	return &types.Approval{
		ID:          d.ID,
		Source:      types.ApprovalSource(d.Source),
		RuleID:      d.RuleID,
		EventID:     d.EventID,
		InstanceID:  d.InstanceID,
		StepName:    d.StepName,
		Actions:     actions,
		Payload:     payload,
		Status:      types.ApprovalStatus(d.Status),
		RequestedAt: d.RequestedAt,
		DecidedAt:   timePtr(d.DecidedAt),
		DecidedBy:   d.DecidedBy,
		Comment:     d.Comment,
	}, nil
}
