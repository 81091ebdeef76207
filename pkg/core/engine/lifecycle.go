package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// Cancel 取消实例
// 有步骤正在执行时只登记取消请求，当前步骤结束后由推进方完成取消和补偿；
// 此时返回的快照 CancelRequested 为 true，状态尚未变化。
func (o *Orchestrator) Cancel(ctx context.Context, id, actor, reason string) (*Snapshot, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "用户取消"
	}
	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, types.NewValidationError("engine.cancel", fmt.Sprintf("实例 %s 已是终态 %s，不能取消", id, inst.Status))
	}

	if !o.locks.TryLock(id) {
		if err := o.instances.RequestCancel(ctx, id, reason); err != nil {
			return nil, err
		}
		o.log.WithFields(logrus.Fields{"instance_id": id, "actor": actor}).
			Info("[编排器] 实例正在推进，取消将在当前步骤结束后生效")
		o.submit(id)
		return o.Query(ctx, id)
	}
	defer o.locks.Unlock(id)

	// 拿到锁后重新读取，期间实例可能已结束
	inst, err = o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, types.NewValidationError("engine.cancel", fmt.Sprintf("实例 %s 已是终态 %s，不能取消", id, inst.Status))
	}
	if err := o.cancelLocked(ctx, inst, nil, reason, actor); err != nil {
		return nil, err
	}
	return o.reload(context.WithoutCancel(ctx), id)
}

// cancelLocked 未执行的步骤标记为取消，然后补偿已完成的步骤
func (o *Orchestrator) cancelLocked(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance, reason, actor string) error {
	ctx = context.WithoutCancel(ctx)
	if reason == "" {
		reason = "用户取消"
	}
	if actor == "" {
		actor = o.opts.NodeID
	}
	if steps == nil {
		var err error
		if steps, err = o.instances.ListSteps(ctx, inst.ID); err != nil {
			return err
		}
	}

	now := o.now().UTC()
	for _, s := range steps {
		switch s.Status {
		case types.StepPending:
			if err := s.TransitionTo(types.StepCancelled, now); err != nil {
				return err
			}
		case types.StepRunning:
			s.ErrorMessage = "实例已取消，执行被中断"
			if err := s.TransitionTo(types.StepFailed, now); err != nil {
				return err
			}
		default:
			continue
		}
		if err := o.instances.UpdateStep(ctx, s); err != nil {
			return err
		}
	}

	if !inst.CancelRequested {
		if err := o.instances.RequestCancel(ctx, inst.ID, reason); err != nil {
			return err
		}
		inst.CancelRequested = true
		inst.CancelReason = reason
	}
	inst.CurrentStep = passedSteps(steps)
	if err := inst.TransitionTo(types.InstanceCancelled, now); err != nil {
		return err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	o.rejectPendingApprovals(ctx, inst, steps, "工作流已取消")

	tx, compErr := o.saga.Compensate(ctx, inst, steps, "实例已取消: "+reason)
	if compErr != nil {
		compErr = fmt.Errorf("实例 %s 补偿记录写入失败: %w", inst.ID, compErr)
	}
	payload := map[string]any{"reason": reason, "compensation_state": string(inst.CompensationState)}
	if tx != nil {
		payload["compensated_steps"] = len(tx.Steps)
	}
	if err := o.record(ctx, inst, types.EventWorkflowCancelled, "", actor, payload); err != nil {
		return errors.Join(compErr, err)
	}
	o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "reason": reason, "actor": actor}).
		Info("🛑 [编排器] 实例已取消")
	o.notifyMilestone(ctx, inst, types.EventWorkflowCancelled)
	return compErr
}

// Fail 外部把实例的某个步骤标记为失败，补偿同步执行完成后返回
// stepName 为空时取当前步骤
func (o *Orchestrator) Fail(ctx context.Context, id, stepName string, cause error) (*Snapshot, error) {
	if cause == nil {
		return nil, types.NewValidationError("engine.fail", "失败原因不能为空")
	}
	if !o.locks.TryLock(id) {
		return nil, conflict("engine.fail", id)
	}
	defer o.locks.Unlock(id)

	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, types.NewValidationError("engine.fail", fmt.Sprintf("实例 %s 已是终态 %s", id, inst.Status))
	}
	steps, err := o.instances.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	target := nextStep(steps)
	if stepName != "" {
		target = nil
		for _, s := range steps {
			if s.Name == stepName {
				target = s
				break
			}
		}
		if target == nil {
			return nil, types.NewValidationError("engine.fail", fmt.Sprintf("实例 %s 没有步骤 %s", id, stepName))
		}
		if target.Status == types.StepCompleted || target.Status == types.StepSkipped || target.Status == types.StepCancelled {
			return nil, types.NewValidationError("engine.fail", fmt.Sprintf("步骤 %s 已是 %s，不能标记失败", stepName, target.Status))
		}
	}
	if !errors.Is(cause, types.ErrPermanent) {
		cause = types.NewPermanentError("engine.fail", cause)
	}
	return o.failStepLocked(ctx, inst, steps, target, cause)
}

// Suspend 人工挂起运行中的实例
func (o *Orchestrator) Suspend(ctx context.Context, id, actor, reason string) (*Snapshot, error) {
	if !o.locks.TryLock(id) {
		return nil, conflict("engine.suspend", id)
	}
	defer o.locks.Unlock(id)

	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.InstanceRunning {
		return nil, types.NewValidationError("engine.suspend", fmt.Sprintf("实例 %s 当前状态 %s 不能挂起", id, inst.Status))
	}
	if err := inst.TransitionTo(types.InstanceSuspended, o.now().UTC()); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventWorkflowSuspended, "", actor,
		map[string]any{"reason": "manual", "comment": reason}); err != nil {
		return nil, err
	}
	return o.snapshot(ctx, inst)
}

// Resume 恢复挂起的实例并投递推进
// 停在审批关卡上的实例若仍无决定，推进时会再次挂起
func (o *Orchestrator) Resume(ctx context.Context, id, actor string) (*Snapshot, error) {
	snap, err := o.resumeLocked(ctx, id, actor, nil)
	if err != nil {
		return nil, err
	}
	o.submit(id)
	return snap, nil
}

func (o *Orchestrator) resumeLocked(ctx context.Context, id, actor string, payload map[string]any) (*Snapshot, error) {
	if !o.locks.TryLock(id) {
		return nil, conflict("engine.resume", id)
	}
	defer o.locks.Unlock(id)

	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.InstanceSuspended {
		return nil, types.NewValidationError("engine.resume", fmt.Sprintf("实例 %s 当前状态 %s 不能恢复", id, inst.Status))
	}
	if err := inst.TransitionTo(types.InstanceRunning, o.now().UTC()); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventWorkflowResumed, "", actor, payload); err != nil {
		return nil, err
	}
	return o.snapshot(ctx, inst)
}

// ApproveStep 对停在审批关卡的实例做出决定
// 通过后实例恢复运行并投递推进；拒绝则该步骤永久失败并补偿。
func (o *Orchestrator) ApproveStep(ctx context.Context, id, actor string, approved bool, comment string) (*Snapshot, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, types.NewValidationError("engine.approve", "审批人不能为空")
	}
	if !o.locks.TryLock(id) {
		return nil, conflict("engine.approve", id)
	}
	locked := true
	defer func() {
		if locked {
			o.locks.Unlock(id)
		}
	}()

	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != types.InstanceSuspended {
		return nil, types.NewValidationError("engine.approve", fmt.Sprintf("实例 %s 当前状态 %s，没有等待中的审批", id, inst.Status))
	}
	steps, err := o.instances.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	gate := nextStep(steps)
	if gate == nil || gate.Kind != types.StepKindApprovalGate {
		return nil, types.NewValidationError("engine.approve", fmt.Sprintf("实例 %s 当前步骤不是审批关卡", id))
	}

	decision := step.DecisionRejected
	status := types.ApprovalRejected
	if approved {
		decision = step.DecisionApproved
		status = types.ApprovalApproved
	}
	now := o.now().UTC()
	if o.approvals != nil {
		a, err := o.approvals.FindPendingApproval(ctx, id, gate.Name)
		switch {
		case err == nil:
			if err := o.approvals.DecideApproval(ctx, a.ID, status, actor, comment, now); err != nil {
				return nil, err
			}
		case !errors.Is(err, types.ErrNotFound):
			return nil, err
		}
	}

	if inst.Configuration == nil {
		inst.Configuration = map[string]any{}
	}
	approvals, _ := inst.Configuration["approvals"].(map[string]any)
	if approvals == nil {
		approvals = map[string]any{}
	}
	approvals[gate.Name] = map[string]any{"decision": decision, "decided_by": actor, "comment": comment}
	inst.Configuration["approvals"] = approvals
	o.log.WithFields(logrus.Fields{"instance_id": id, "step": gate.Name, "decision": decision, "actor": actor}).
		Info("[编排器] 审批关卡已决定")

	if !approved {
		cause := types.NewPermanentError("engine.approve", fmt.Errorf("审批被 %s 拒绝: %s", actor, comment))
		return o.failStepLocked(ctx, inst, steps, gate, cause)
	}

	if err := inst.TransitionTo(types.InstanceRunning, now); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventWorkflowResumed, gate.Name, actor,
		map[string]any{"reason": "approval", "step": gate.Name, "decision": decision}); err != nil {
		return nil, err
	}
	snap, err := o.snapshot(ctx, inst)
	if err != nil {
		return nil, err
	}
	o.locks.Unlock(id)
	locked = false
	o.submit(id)
	return snap, nil
}
