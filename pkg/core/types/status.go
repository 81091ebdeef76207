package types

// InstanceStatus 工作流实例状态（对外导出）
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "Pending"
	InstanceRunning   InstanceStatus = "Running"
	InstanceSuspended InstanceStatus = "Suspended"
	InstanceCompleted InstanceStatus = "Completed"
	InstanceFailed    InstanceStatus = "Failed"
	InstanceCancelled InstanceStatus = "Cancelled"
)

// IsValid 检查状态是否有效
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstancePending, InstanceRunning, InstanceSuspended,
		InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// CanTransitionTo 检查是否可以转换到目标状态
func (s InstanceStatus) CanTransitionTo(target InstanceStatus) bool {
	switch s {
	case InstancePending:
		return target == InstanceRunning || target == InstanceCancelled
	case InstanceRunning:
		return target == InstanceCompleted || target == InstanceFailed ||
			target == InstanceCancelled || target == InstanceSuspended
	case InstanceSuspended:
		// 挂起只能恢复运行，或被取消/审批拒绝
		return target == InstanceRunning || target == InstanceCancelled || target == InstanceFailed
	default:
		// 终态不能转换
		return false
	}
}

// StepStatus 步骤实例状态（对外导出）
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal 步骤是否已结束
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo 检查步骤状态转换
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	switch s {
	case StepPending:
		return target == StepRunning || target == StepSkipped || target == StepCancelled || target == StepFailed
	case StepRunning:
		// running -> pending 用于审批关卡等待
		return target == StepCompleted || target == StepFailed || target == StepPending
	default:
		return false
	}
}

// NotificationStatus 通知状态（对外导出）
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
	NotificationFailed    NotificationStatus = "failed"
)

var notificationRank = map[NotificationStatus]int{
	NotificationPending:   0,
	NotificationSent:      1,
	NotificationDelivered: 2,
	NotificationRead:      3,
}

// CanTransitionTo 通知状态只能单调前进；failed 只能从 pending 或 sent 到达
func (s NotificationStatus) CanTransitionTo(target NotificationStatus) bool {
	if s == NotificationFailed || s == NotificationRead {
		return false
	}
	if target == NotificationFailed {
		return s == NotificationPending || s == NotificationSent
	}
	from, ok := notificationRank[s]
	if !ok {
		return false
	}
	to, ok := notificationRank[target]
	if !ok {
		return false
	}
	return to > from
}

// ApprovalStatus 审批状态
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// CompensationState 实例补偿结果
type CompensationState string

const (
	CompensationNone        CompensationState = "none"
	CompensationCompensated CompensationState = "compensated"
	// CompensationPartial 至少一个步骤补偿失败，需要人工处理
	CompensationPartial CompensationState = "partially_compensated"
)
