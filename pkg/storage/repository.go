package storage

import (
	"context"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// InstanceFilter 实例查询条件
type InstanceFilter struct {
	Status          types.InstanceStatus
	WorkflowType    string
	Initiator       string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// InstanceRepository 工作流实例与步骤的存储（对外导出）
// 实例和步骤的更新都带版本号（乐观锁），版本不匹配时返回 types.ErrConcurrencyConflict
type InstanceRepository interface {
	// CreateInstance 在一个事务中写入实例和全部步骤
	CreateInstance(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance) error
	// GetInstance 不存在时返回 types.ErrNotFound
	GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error)
	// UpdateInstance 按版本号更新，成功后 inst.Version 自增
	// 取消请求标记不在此更新，由 RequestCancel 单独维护
	UpdateInstance(ctx context.Context, inst *types.WorkflowInstance) error
	// RequestCancel 记录取消请求，不修改版本号
	RequestCancel(ctx context.Context, id, reason string) error
	// ListInstances 返回匹配的实例和总数
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*types.WorkflowInstance, int, error)
	// ListSteps 按序号升序返回步骤
	ListSteps(ctx context.Context, instanceID string) ([]*types.WorkflowStepInstance, error)
	// UpdateStep 按版本号更新步骤，成功后 step.Version 自增
	UpdateStep(ctx context.Context, step *types.WorkflowStepInstance) error
	// ArchiveInstance 归档终态实例
	ArchiveInstance(ctx context.Context, id string) error
}

// EventFilter 事件查询条件
type EventFilter struct {
	InstanceID string
	Type       types.EventType
	Processed  *bool
	Limit      int
}

// EventRepository 事件存储，只追加
type EventRepository interface {
	// AppendEvent 写入事件并分配实例内单调递增的序号
	AppendEvent(ctx context.Context, ev *types.WorkflowEvent) error
	GetEvent(ctx context.Context, id string) (*types.WorkflowEvent, error)
	// MarkEventProcessed 只在未处理时生效，返回本次调用是否实际更新
	MarkEventProcessed(ctx context.Context, id, result string, at time.Time) (bool, error)
	// ListEvents 同一实例内按序号升序，跨实例按时间升序
	ListEvents(ctx context.Context, filter EventFilter) ([]*types.WorkflowEvent, error)
}

// RuleFilter 规则查询条件
type RuleFilter struct {
	TriggerType types.TriggerType
	ActiveOnly  bool
	Category    string
}

// RuleRepository 自动化规则与执行日志的存储
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *types.AutomationRule) error
	// UpdateRule 按版本号更新规则定义（不含计数器）
	UpdateRule(ctx context.Context, rule *types.AutomationRule) error
	GetRule(ctx context.Context, id string) (*types.AutomationRule, error)
	// ListRules 按优先级降序、名称升序返回
	ListRules(ctx context.Context, filter RuleFilter) ([]*types.AutomationRule, error)
	SetRuleActive(ctx context.Context, id string, active bool, at time.Time) error
	DeleteRule(ctx context.Context, id string) error
	// RecordRuleExecution 原子地累加执行计数，失败时同时累加失败计数
	RecordRuleExecution(ctx context.Context, ruleID string, success bool, outcome string, at time.Time) error
	AppendAutomationLog(ctx context.Context, log *types.AutomationLog) error
	ListAutomationLogs(ctx context.Context, ruleID string, limit int) ([]*types.AutomationLog, error)
}

// ApprovalRepository 审批项存储
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, a *types.Approval) error
	GetApproval(ctx context.Context, id string) (*types.Approval, error)
	// ListApprovals status/source 为空时不过滤
	ListApprovals(ctx context.Context, status types.ApprovalStatus, source types.ApprovalSource) ([]*types.Approval, error)
	// FindPendingApproval 查找实例某个审批关卡的待审批项，没有时返回 types.ErrNotFound
	FindPendingApproval(ctx context.Context, instanceID, stepName string) (*types.Approval, error)
	// DecideApproval 只能从 pending 转换，已决定的返回 types.ErrConcurrencyConflict
	DecideApproval(ctx context.Context, id string, status types.ApprovalStatus, actor, comment string, at time.Time) error
}

// NotificationFilter 通知查询条件
type NotificationFilter struct {
	Status        types.NotificationStatus
	Recipient     string
	Channel       types.Channel
	EventID       string
	TransientOnly bool
	Limit         int
}

// NotificationRepository 通知与事件订阅的存储
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *types.Notification) error
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	// UpdateNotification 比较并交换：仅当库中状态等于 expected 时更新
	UpdateNotification(ctx context.Context, n *types.Notification, expected types.NotificationStatus) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*types.Notification, error)

	CreateSubscription(ctx context.Context, s *types.EventSubscription) error
	// ListSubscriptions eventType 为空时返回全部；否则返回该类型及通配 "*" 的订阅
	ListSubscriptions(ctx context.Context, eventType types.EventType) ([]*types.EventSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Store 全部存储的聚合
type Store interface {
	InstanceRepository
	EventRepository
	RuleRepository
	ApprovalRepository
	NotificationRepository
	Ping(ctx context.Context) error
	Close() error
}
