package types

import (
	"strings"
	"time"
	"unicode"

	"github.com/LENAX/asset-flow/pkg/core/condition"
)

// TriggerType 规则触发类型（对外导出）
type TriggerType string

const (
	TriggerStockLevelReached          TriggerType = "StockLevelReached"
	TriggerItemReceived               TriggerType = "ItemReceived"
	TriggerQualityAssessmentCompleted TriggerType = "QualityAssessmentCompleted"
	TriggerRequestCreated             TriggerType = "RequestCreated"
	TriggerScheduledInterval          TriggerType = "ScheduledInterval"
	TriggerManual                     TriggerType = "ManualTrigger"
	TriggerAssetStatusChanged         TriggerType = "AssetStatusChanged"
)

// AllTriggerTypes 返回全部触发类型
func AllTriggerTypes() []TriggerType {
	return []TriggerType{
		TriggerStockLevelReached,
		TriggerItemReceived,
		TriggerQualityAssessmentCompleted,
		TriggerRequestCreated,
		TriggerScheduledInterval,
		TriggerManual,
		TriggerAssetStatusChanged,
	}
}

// IsValid 检查触发类型
func (t TriggerType) IsValid() bool {
	for _, known := range AllTriggerTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTriggerType 将自由文本归一化为触发类型
// "stock level reached"、"stock_level_reached" 都会解析为 StockLevelReached
func ParseTriggerType(text string) (TriggerType, bool) {
	norm := normalizeTrigger(text)
	if norm == "" {
		return "", false
	}
	for _, t := range AllTriggerTypes() {
		if normalizeTrigger(string(t)) == norm {
			return t, true
		}
	}
	return "", false
}

func normalizeTrigger(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ActionKind 规则动作类型
type ActionKind string

const (
	ActionStartWorkflow            ActionKind = "start_workflow"
	ActionCreateProcurementRequest ActionKind = "create_procurement_request"
	ActionNotify                   ActionKind = "notify"
	ActionSetAssetStatus           ActionKind = "set_asset_status"
	ActionSetRequestStatus         ActionKind = "set_request_status"
)

// Action 规则动作（带标签的变体，参数由对应的JSON Schema约束）
type Action struct {
	Kind   ActionKind     `json:"kind" yaml:"kind"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// AutomationRule 自动化规则（对外导出）
type AutomationRule struct {
	ID               string               `json:"id" yaml:"id,omitempty"`
	Name             string               `json:"name" yaml:"name"`
	Description      string               `json:"description,omitempty" yaml:"description,omitempty"`
	Active           bool                 `json:"active" yaml:"active"`
	TriggerType      TriggerType          `json:"trigger_type" yaml:"trigger_type"`
	Trigger          string               `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Schedule         string               `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Conditions       *condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions          []Action             `json:"actions" yaml:"actions"`
	CreatedBy        string               `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt        time.Time            `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time            `json:"updated_at" yaml:"-"`
	ExecutionCount   int64                `json:"execution_count" yaml:"-"`
	FailureCount     int64                `json:"failure_count" yaml:"-"`
	LastExecutedAt   *time.Time           `json:"last_executed_at,omitempty" yaml:"-"`
	LastOutcome      string               `json:"last_outcome,omitempty" yaml:"-"`
	Priority         int                  `json:"priority" yaml:"priority"`
	Category         string               `json:"category,omitempty" yaml:"category,omitempty"`
	RequiresApproval bool                 `json:"requires_approval" yaml:"requires_approval"`
	Version          int64                `json:"version" yaml:"-"`
}

// TriggerMismatch 自由文本触发器与结构化触发类型不一致时返回true
func (r *AutomationRule) TriggerMismatch() bool {
	if strings.TrimSpace(r.Trigger) == "" {
		return false
	}
	parsed, ok := ParseTriggerType(r.Trigger)
	return !ok || parsed != r.TriggerType
}

// AutomationLog 规则执行日志，不可变
type AutomationLog struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"rule_id"`
	EventID      string         `json:"event_id,omitempty"`
	ExecutedAt   time.Time      `json:"executed_at"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExecutedBy   string         `json:"executed_by,omitempty"`
	ActionTaken  string         `json:"action_taken"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// ApprovalSource 审批来源
type ApprovalSource string

const (
	ApprovalSourceRule     ApprovalSource = "rule"
	ApprovalSourceWorkflow ApprovalSource = "workflow"
)

// Approval 待人工确认的审批项
// 来源为规则时保存暂存的动作；来源为工作流时对应一个审批关卡步骤
type Approval struct {
	ID          string         `json:"id"`
	Source      ApprovalSource `json:"source"`
	RuleID      string         `json:"rule_id,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	InstanceID  string         `json:"instance_id,omitempty"`
	StepName    string         `json:"step_name,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Comment     string         `json:"comment,omitempty"`
}

// DomainEvent 领域事件，事件总线上传递的信封
type DomainEvent struct {
	ID         string         `json:"id"`
	Type       TriggerType    `json:"type"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Actor      string         `json:"actor,omitempty"`
	// RuleID 非空时只评估该规则（定时触发使用）
	RuleID string `json:"rule_id,omitempty"`
}
