package types

import (
	"fmt"
	"time"
)

// StepKind 步骤类型，封闭集合（对外导出）
type StepKind string

const (
	StepKindValidation         StepKind = "validation"
	StepKindResourceAllocation StepKind = "resource_allocation"
	StepKindServiceCall        StepKind = "service_call"
	StepKindNotification       StepKind = "notification"
	StepKindApprovalGate       StepKind = "approval_gate"
	StepKindDataValidation     StepKind = "data_validation"
	StepKindEscalation         StepKind = "escalation"
)

// AllStepKinds 返回全部步骤类型
func AllStepKinds() []StepKind {
	return []StepKind{
		StepKindValidation,
		StepKindResourceAllocation,
		StepKindServiceCall,
		StepKindNotification,
		StepKindApprovalGate,
		StepKindDataValidation,
		StepKindEscalation,
	}
}

// IsValid 检查步骤类型是否属于封闭集合
func (k StepKind) IsValid() bool {
	for _, known := range AllStepKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// EventType 工作流事件类型
type EventType string

const (
	EventWorkflowStarted      EventType = "workflow.started"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowFailed       EventType = "workflow.failed"
	EventWorkflowCancelled    EventType = "workflow.cancelled"
	EventWorkflowSuspended    EventType = "workflow.suspended"
	EventWorkflowResumed      EventType = "workflow.resumed"
	EventStepStarted          EventType = "step.started"
	EventStepCompleted        EventType = "step.completed"
	EventStepFailed           EventType = "step.failed"
	EventTriggered            EventType = "event.triggered"
	EventRuleApplied          EventType = "rule.applied"
	EventCompensationExecuted EventType = "compensation.executed"
)

// IsMilestone 里程碑事件会直接通知发起人
func (t EventType) IsMilestone() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed || t == EventWorkflowCancelled
}

// WorkflowInstance 工作流实例（对外导出）
type WorkflowInstance struct {
	ID                string               `json:"id"`
	WorkflowType      string               `json:"workflow_type"`
	Status            InstanceStatus       `json:"status"`
	Initiator         string               `json:"initiator"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           *time.Time           `json:"end_time,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Configuration     map[string]any       `json:"configuration,omitempty"`
	CurrentStep       int                  `json:"current_step"`
	TotalSteps        int                  `json:"total_steps"`
	ErrorMessage      string               `json:"error_message,omitempty"`
	CompensationData  *CompensationSummary `json:"compensation_data,omitempty"`
	CompensationState CompensationState    `json:"compensation_state"`
	CancelRequested   bool                 `json:"cancel_requested"`
	CancelReason      string               `json:"cancel_reason,omitempty"`
	Archived          bool                 `json:"archived"`
	Version           int64                `json:"version"`
}

// TransitionTo 状态转换，进入终态时设置结束时间
func (i *WorkflowInstance) TransitionTo(target InstanceStatus, at time.Time) error {
	if !i.Status.CanTransitionTo(target) {
		return NewValidationError("instance.transition",
			fmt.Sprintf("实例 %s 不能从 %s 转换到 %s", i.ID, i.Status, target))
	}
	i.Status = target
	i.UpdatedAt = at
	if target.IsTerminal() {
		end := at
		i.EndTime = &end
	}
	return nil
}

// ConfigString 读取字符串配置项
func (i *WorkflowInstance) ConfigString(key string) string {
	if i.Configuration == nil {
		return ""
	}
	if v, ok := i.Configuration[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// WorkflowStepInstance 步骤实例（对外导出）
type WorkflowStepInstance struct {
	ID           string              `json:"id"`
	InstanceID   string              `json:"instance_id"`
	Name         string              `json:"name"`
	Kind         StepKind            `json:"kind"`
	Order        int                 `json:"order"`
	Status       StepStatus          `json:"status"`
	StartTime    *time.Time          `json:"start_time,omitempty"`
	EndTime      *time.Time          `json:"end_time,omitempty"`
	Input        map[string]any      `json:"input,omitempty"`
	Output       map[string]any      `json:"output,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Compensation *CompensationAction `json:"compensation,omitempty"`
	Executor     string              `json:"executor,omitempty"`
	Attempts     int                 `json:"attempts"`
	Version      int64               `json:"version"`
}

// TransitionTo 步骤状态转换，结束态必须记录结束时间
func (s *WorkflowStepInstance) TransitionTo(target StepStatus, at time.Time) error {
	if !s.Status.CanTransitionTo(target) {
		return NewValidationError("step.transition",
			fmt.Sprintf("步骤 %s 不能从 %s 转换到 %s", s.Name, s.Status, target))
	}
	s.Status = target
	switch {
	case target == StepRunning:
		start := at
		s.StartTime = &start
		s.EndTime = nil
	case target.IsTerminal():
		end := at
		s.EndTime = &end
	}
	return nil
}

// IdempotencyKey 步骤幂等键
func (s *WorkflowStepInstance) IdempotencyKey() string {
	return StepKey(s.InstanceID, s.Order)
}

// StepKey 由实例ID和步骤序号组成稳定的幂等键
func StepKey(instanceID string, order int) string {
	return fmt.Sprintf("%s:%d", instanceID, order)
}

// CompensationAction 步骤完成时记录的逆操作
type CompensationAction struct {
	Kind   StepKind       `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Key    string         `json:"key"`
	// None 表示该步骤没有逆操作（补偿时只记录一次空操作）
	None bool `json:"none,omitempty"`
}

// CompensationFailure 单个步骤补偿失败记录
type CompensationFailure struct {
	Step  string `json:"step"`
	Order int    `json:"order"`
	Error string `json:"error"`
}

// CompensationSummary 补偿汇总，写入实例的 compensationData
type CompensationSummary struct {
	Reason     string                `json:"reason"`
	Attempted  int                   `json:"attempted"`
	Succeeded  int                   `json:"succeeded"`
	Failed     []CompensationFailure `json:"failed,omitempty"`
	Orders     []int                 `json:"orders"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// WorkflowEvent 不可变事件（对外导出）
// InstanceID 为空表示仅与规则相关的事件
type WorkflowEvent struct {
	ID               string         `json:"id"`
	Seq              int64          `json:"seq"`
	InstanceID       string         `json:"instance_id,omitempty"`
	Type             EventType      `json:"type"`
	Payload          map[string]any `json:"payload,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Actor            string         `json:"actor,omitempty"`
	StepName         string         `json:"step_name,omitempty"`
	Processed        bool           `json:"processed"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	ProcessingResult string         `json:"processing_result,omitempty"`
}
