package saga

import (
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// TransactionState 补偿事务状态枚举（对外导出）
type TransactionState string

const (
	// TransactionStatePending 待处理状态（初始状态）
	TransactionStatePending TransactionState = "Pending"
	// TransactionStateCommitted 已提交状态（所有步骤成功，无需补偿）
	TransactionStateCommitted TransactionState = "Committed"
	// TransactionStateCompensating 补偿中状态
	TransactionStateCompensating TransactionState = "Compensating"
	// TransactionStateCompensated 全部补偿成功
	TransactionStateCompensated TransactionState = "Compensated"
	// TransactionStatePartial 至少一个步骤补偿失败
	TransactionStatePartial TransactionState = "PartiallyCompensated"
)

// IsValid 检查状态是否有效（对外导出）
func (s TransactionState) IsValid() bool {
	switch s {
	case TransactionStatePending,
		TransactionStateCommitted,
		TransactionStateCompensating,
		TransactionStateCompensated,
		TransactionStatePartial:
		return true
	default:
		return false
	}
}

// CanTransitionTo 检查是否可以转换到目标状态（对外导出）
func (s TransactionState) CanTransitionTo(target TransactionState) bool {
	switch s {
	case TransactionStatePending:
		return target == TransactionStateCommitted || target == TransactionStateCompensating
	case TransactionStateCompensating:
		return target == TransactionStateCompensated || target == TransactionStatePartial
	default:
		// Committed/Compensated/PartiallyCompensated 都是终态
		return false
	}
}

// CompensationState 映射为实例上记录的补偿结果
func (s TransactionState) CompensationState() types.CompensationState {
	switch s {
	case TransactionStateCompensated:
		return types.CompensationCompensated
	case TransactionStatePartial:
		return types.CompensationPartial
	default:
		return types.CompensationNone
	}
}

// TransactionStep 一个待补偿的已完成步骤（对外导出）
type TransactionStep struct {
	StepID     string
	Name       string
	Order      int
	Action     types.CompensationAction
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// NewTransactionStep 由已完成的步骤实例创建事务步骤
// 没有记录逆操作的步骤按空操作处理，仍计入补偿次数
func NewTransactionStep(step *types.WorkflowStepInstance) *TransactionStep {
	action := types.CompensationAction{Kind: step.Kind, Key: step.IdempotencyKey(), None: true}
	if step.Compensation != nil {
		action = *step.Compensation
	}
	return &TransactionStep{
		StepID: step.ID,
		Name:   step.Name,
		Order:  step.Order,
		Action: action,
	}
}
