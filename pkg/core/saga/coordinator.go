// Package saga 失败或取消实例的逆序补偿
package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// Compensator 执行单个逆操作，由步骤执行器实现
type Compensator interface {
	Compensate(ctx context.Context, action types.CompensationAction, timeout time.Duration) error
}

// EventRecorder 事件写入出口，由事件日志实现
type EventRecorder interface {
	Record(ctx context.Context, ev *types.WorkflowEvent) error
}

// Coordinator SAGA补偿协调器（对外导出）
type Coordinator struct {
	instances   storage.InstanceRepository
	events      EventRecorder
	compensator Compensator
	timeout     time.Duration
	now         func() time.Time
	log         *logrus.Entry
}

// NewCoordinator 创建补偿协调器
// timeout 为单个逆操作的期限，<=0 时使用执行器默认值
func NewCoordinator(instances storage.InstanceRepository, events EventRecorder, compensator Compensator, timeout time.Duration) *Coordinator {
	return &Coordinator{
		instances:   instances,
		events:      events,
		compensator: compensator,
		timeout:     timeout,
		now:         time.Now,
		log:         logging.WithModule("saga"),
	}
}

// Transaction 一次补偿的执行记录
type Transaction struct {
	InstanceID string
	State      TransactionState
	Steps      []*TransactionStep
	Summary    *types.CompensationSummary
}

func (t *Transaction) transition(target TransactionState) error {
	if !t.State.CanTransitionTo(target) {
		return fmt.Errorf("当前状态 %s 不能转换到 %s", t.State, target)
	}
	t.State = target
	return nil
}

// Compensate 按序号倒序补偿实例中所有已完成的步骤
// 单个逆操作失败不会中断遍历；结束后把汇总写回实例并持久化（inst.Version 随之更新）。
// 调用方需持有该实例的互斥权。
func (c *Coordinator) Compensate(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance, reason string) (*Transaction, error) {
	// 补偿一旦开始就走完，不受调用方取消影响；单步仍有期限
	ctx = context.WithoutCancel(ctx)

	completed := make([]*types.WorkflowStepInstance, 0, len(steps))
	for _, s := range steps {
		if s.Status == types.StepCompleted {
			completed = append(completed, s)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Order > completed[j].Order })

	tx := &Transaction{InstanceID: inst.ID, State: TransactionStatePending}
	for _, s := range completed {
		tx.Steps = append(tx.Steps, NewTransactionStep(s))
	}
	summary := &types.CompensationSummary{
		Reason:    reason,
		StartedAt: c.now().UTC(),
		Orders:    make([]int, 0, len(tx.Steps)),
	}
	tx.Summary = summary

	if len(tx.Steps) == 0 {
		_ = tx.transition(TransactionStateCommitted)
		summary.FinishedAt = c.now().UTC()
		inst.CompensationData = summary
		inst.CompensationState = types.CompensationNone
		if err := c.instances.UpdateInstance(ctx, inst); err != nil {
			return tx, err
		}
		return tx, nil
	}

	if err := tx.transition(TransactionStateCompensating); err != nil {
		return tx, err
	}
	c.log.WithFields(logrus.Fields{"instance_id": inst.ID, "steps": len(tx.Steps)}).
		Info("🔄 [SAGA] 开始执行补偿")

	var recordErrs []error
	for _, ts := range tx.Steps {
		summary.Attempted++
		summary.Orders = append(summary.Orders, ts.Order)

		err := c.compensator.Compensate(ctx, ts.Action, c.timeout)
		ts.ExecutedAt = c.now().UTC()
		payload := map[string]any{"order": ts.Order, "kind": string(ts.Action.Kind), "noop": ts.Action.None}
		if err != nil {
			if !errors.Is(err, types.ErrCompensation) {
				err = types.NewCompensationError("compensate."+ts.Name, err)
			}
			ts.Error = err.Error()
			summary.Failed = append(summary.Failed, types.CompensationFailure{Step: ts.Name, Order: ts.Order, Error: ts.Error})
			payload["success"] = false
			payload["error"] = ts.Error
			c.log.WithFields(logrus.Fields{"instance_id": inst.ID, "step": ts.Name, "order": ts.Order}).
				WithError(err).Warn("⚠️ [SAGA] 步骤补偿失败，继续补偿其余步骤")
		} else {
			ts.Success = true
			summary.Succeeded++
			payload["success"] = true
		}

		if err := c.events.Record(ctx, &types.WorkflowEvent{
			InstanceID: inst.ID,
			Type:       types.EventCompensationExecuted,
			StepName:   ts.Name,
			Actor:      "compensation",
			Payload:    payload,
		}); err != nil {
			recordErrs = append(recordErrs, err)
		}
	}

	target := TransactionStateCompensated
	if len(summary.Failed) > 0 {
		target = TransactionStatePartial
	}
	_ = tx.transition(target)
	summary.FinishedAt = c.now().UTC()
	inst.CompensationData = summary
	inst.CompensationState = tx.State.CompensationState()
	inst.UpdatedAt = summary.FinishedAt

	if err := c.instances.UpdateInstance(ctx, inst); err != nil {
		recordErrs = append(recordErrs, err)
	}

	entry := c.log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"attempted":   summary.Attempted,
		"failed":      len(summary.Failed),
	})
	if tx.State == TransactionStatePartial {
		entry.Warn("⚠️ [SAGA] 部分补偿失败，需要人工处理")
	} else {
		entry.Info("✅ [SAGA] 补偿执行完成")
	}
	return tx, errors.Join(recordErrs...)
}
