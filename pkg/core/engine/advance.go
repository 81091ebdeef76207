package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// Advance 推进实例一步
// 每次最多执行一个步骤；实例已是终态或挂起时原样返回快照，不产生任何副作用。
// 同一实例已有变更在进行时立即返回 ErrConcurrencyConflict。
func (o *Orchestrator) Advance(ctx context.Context, id string) (*Snapshot, error) {
	if !o.locks.TryLock(id) {
		return nil, conflict("engine.advance", id)
	}
	defer o.locks.Unlock(id)

	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsTerminal() && inst.CancelRequested {
		if err := o.cancelLocked(ctx, inst, nil, inst.CancelReason, ""); err != nil {
			return nil, err
		}
		return o.reload(ctx, id)
	}
	if inst.Status != types.InstanceRunning {
		return o.snapshot(ctx, inst)
	}

	steps, err := o.instances.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := o.catalog.Get(inst.WorkflowType)
	if err != nil {
		return o.failStepLocked(ctx, inst, steps, nil, types.NewPermanentError("engine.advance", err))
	}

	next := nextStep(steps)
	if next == nil {
		if err := o.completeLocked(ctx, inst, steps); err != nil {
			return nil, err
		}
		return o.reload(ctx, id)
	}
	if next.Order >= len(def.Steps) {
		return o.failStepLocked(ctx, inst, steps, next, types.NewPermanentError("engine.advance",
			fmt.Errorf("步骤 %s 在工作流定义 %s 中不存在", next.Name, def.Type)))
	}
	sd := def.Steps[next.Order]

	switch next.Status {
	case types.StepFailed:
		// 上次在步骤失败后、实例落盘前中断
		return o.failStepLocked(ctx, inst, steps, next, types.NewPermanentError("engine.advance", errors.New(next.ErrorMessage)))
	case types.StepCancelled:
		if err := o.cancelLocked(ctx, inst, steps, inst.CancelReason, ""); err != nil {
			return nil, err
		}
		return o.reload(ctx, id)
	case types.StepRunning:
		// 上次执行中断，步骤幂等键保证重新执行是安全的
		o.log.WithFields(logrus.Fields{"instance_id": id, "step": next.Name}).Warn("⚠️ [编排器] 发现中断的步骤，重新执行")
		if err := next.TransitionTo(types.StepPending, o.now().UTC()); err != nil {
			return nil, err
		}
		if err := o.instances.UpdateStep(ctx, next); err != nil {
			return nil, err
		}
	}

	data := step.BuildData(inst, steps)
	if sd.Precondition != nil {
		ok, err := sd.Precondition.Evaluate(data)
		if err != nil {
			return o.failStepLocked(ctx, inst, steps, next, types.NewPermanentError("engine.precondition",
				fmt.Errorf("步骤 %s 前置条件求值失败: %w", sd.Name, err)))
		}
		if !ok {
			if !sd.Optional {
				return o.failStepLocked(ctx, inst, steps, next, types.NewPermanentError("engine.precondition",
					fmt.Errorf("必需步骤 %s 的前置条件不满足: %s", sd.Name, sd.Precondition)))
			}
			return o.skipLocked(ctx, inst, steps, next)
		}
	}
	return o.executeLocked(ctx, inst, steps, next, sd, data)
}

// Run 连续推进直到实例离开运行状态（完成、失败、取消或挂起）
func (o *Orchestrator) Run(ctx context.Context, id string) (*Snapshot, error) {
	var snap *Snapshot
	guard := -1
	for i := 0; guard < 0 || i < guard; i++ {
		var err error
		snap, err = o.Advance(ctx, id)
		if err != nil {
			return snap, err
		}
		if guard < 0 {
			guard = 2*snap.Instance.TotalSteps + 2
		}
		if snap.Instance.Status != types.InstanceRunning {
			return snap, nil
		}
		if err := ctx.Err(); err != nil {
			return snap, err
		}
	}
	return snap, fmt.Errorf("实例 %s 推进次数超过上限", id)
}

func (o *Orchestrator) skipLocked(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance, st *types.WorkflowStepInstance) (*Snapshot, error) {
	now := o.now().UTC()
	if err := st.TransitionTo(types.StepSkipped, now); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateStep(ctx, st); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "step": st.Name}).Info("[编排器] 前置条件不满足，跳过可选步骤")

	inst.CurrentStep = passedSteps(steps)
	if nextStep(steps) == nil {
		if err := o.completeLocked(ctx, inst, steps); err != nil {
			return nil, err
		}
		return o.reload(ctx, inst.ID)
	}
	inst.UpdatedAt = now
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return o.snapshot(ctx, inst)
}

func (o *Orchestrator) executeLocked(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance,
	st *types.WorkflowStepInstance, sd StepDefinition, data map[string]any) (*Snapshot, error) {
	params, err := step.ResolveParams(sd.Params, data)
	if err != nil {
		return o.failStepLocked(ctx, inst, steps, st, types.NewPermanentError("engine.params", err))
	}

	if err := st.TransitionTo(types.StepRunning, o.now().UTC()); err != nil {
		return nil, err
	}
	st.Input = params
	st.Executor = o.opts.NodeID
	st.ErrorMessage = ""
	if err := o.instances.UpdateStep(ctx, st); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventStepStarted, st.Name, o.opts.NodeID,
		map[string]any{"order": st.Order, "kind": string(st.Kind)}); err != nil {
		return nil, err
	}

	maxRetries := o.opts.MaxRetries
	if sd.MaxRetries > 0 {
		maxRetries = sd.MaxRetries
	}
	req := step.Request{
		Instance: inst,
		Step:     st,
		Params:   params,
		Data:     data,
		Key:      st.IdempotencyKey(),
		Actor:    inst.Initiator,
	}
	res, err := o.executeWithRetry(ctx, inst, st, req, sd.Timeout, maxRetries)

	// 步骤已有副作用，后续落盘不受调用方取消影响
	pctx := context.WithoutCancel(ctx)
	now := o.now().UTC()
	log := o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "step": st.Name, "attempts": st.Attempts})

	switch {
	case err == nil:
		st.Output = res.Output
		st.Compensation = res.Compensation
		if sd.Compensation == CompensationNone {
			st.Compensation = &types.CompensationAction{Kind: st.Kind, Key: st.IdempotencyKey(), None: true}
		}
		if err := st.TransitionTo(types.StepCompleted, now); err != nil {
			return nil, err
		}
		if err := o.instances.UpdateStep(pctx, st); err != nil {
			return nil, err
		}
		if err := o.record(pctx, inst, types.EventStepCompleted, st.Name, o.opts.NodeID,
			map[string]any{"order": st.Order, "kind": string(st.Kind), "attempts": st.Attempts}); err != nil {
			return nil, err
		}
		log.Info("✅ [编排器] 步骤执行完成")

		inst.CurrentStep = passedSteps(steps)
		if o.cancelRequested(pctx, inst) {
			if err := o.cancelLocked(pctx, inst, steps, inst.CancelReason, ""); err != nil {
				return nil, err
			}
			return o.reload(pctx, inst.ID)
		}
		if nextStep(steps) == nil {
			if err := o.completeLocked(pctx, inst, steps); err != nil {
				return nil, err
			}
			return o.reload(pctx, inst.ID)
		}
		inst.UpdatedAt = now
		if err := o.instances.UpdateInstance(pctx, inst); err != nil {
			return nil, err
		}
		return o.snapshot(pctx, inst)

	case errors.Is(err, errCancelRequested):
		log.Info("[编排器] 重试期间收到取消请求")
		if err := o.revertStep(pctx, st, now); err != nil {
			return nil, err
		}
		if err := o.cancelLocked(pctx, inst, steps, inst.CancelReason, ""); err != nil {
			return nil, err
		}
		return o.reload(pctx, inst.ID)

	case ctx.Err() != nil && !types.IsPermanent(err):
		// 进程退出：步骤退回待执行，恢复时重新推进
		log.Warn("⚠️ [编排器] 推进被中断，步骤退回待执行")
		if rerr := o.revertStep(pctx, st, now); rerr != nil {
			return nil, errors.Join(ctx.Err(), rerr)
		}
		return nil, ctx.Err()

	case errors.Is(err, types.ErrApprovalPending):
		return o.suspendForApproval(pctx, inst, steps, st, err)

	case types.IsTransient(err):
		log.WithError(err).Warn("❌ [编排器] 重试耗尽，步骤失败")
		return o.failStepLocked(pctx, inst, steps, st, types.NewPermanentError("engine.retry",
			fmt.Errorf("重试 %d 次后仍失败: %w", st.Attempts, err)))

	default:
		log.WithError(err).Warn("❌ [编排器] 步骤执行失败")
		return o.failStepLocked(pctx, inst, steps, st, err)
	}
}

// executeWithRetry 瞬时失败按指数退避重试，重试之间检查取消请求
func (o *Orchestrator) executeWithRetry(ctx context.Context, inst *types.WorkflowInstance, st *types.WorkflowStepInstance,
	req step.Request, timeout time.Duration, maxRetries int) (step.Result, error) {
	if timeout <= 0 {
		timeout = o.opts.DefaultStepTimeout
	}
	var res step.Result
	operation := func() error {
		st.Attempts++
		var err error
		res, err = o.executor.Execute(ctx, req, timeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !types.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if o.cancelRequested(ctx, inst) {
			return backoff.Permanent(errCancelRequested)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryInitialInterval
	b.MaxInterval = o.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		o.log.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"step":        st.Name,
			"attempt":     st.Attempts,
			"wait":        wait,
		}).WithError(err).Warn("🔄 [编排器] 瞬时失败，稍后重试")
	})
	return res, err
}

func (o *Orchestrator) revertStep(ctx context.Context, st *types.WorkflowStepInstance, at time.Time) error {
	if st.Status != types.StepRunning {
		return nil
	}
	if err := st.TransitionTo(types.StepPending, at); err != nil {
		return err
	}
	return o.instances.UpdateStep(ctx, st)
}

// suspendForApproval 审批关卡尚无决定：步骤退回待执行，实例挂起并登记审批项
func (o *Orchestrator) suspendForApproval(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance,
	st *types.WorkflowStepInstance, cause error) (*Snapshot, error) {
	now := o.now().UTC()
	if err := o.revertStep(ctx, st, now); err != nil {
		return nil, err
	}
	if o.cancelRequested(ctx, inst) {
		if err := o.cancelLocked(ctx, inst, steps, inst.CancelReason, ""); err != nil {
			return nil, err
		}
		return o.reload(ctx, inst.ID)
	}

	var pending *step.ApprovalPendingError
	approvers := []string{}
	payload := map[string]any{}
	if errors.As(cause, &pending) {
		approvers = pending.Approvers
		payload = pending.Payload
	}
	if o.approvals != nil {
		if _, err := o.approvals.FindPendingApproval(ctx, inst.ID, st.Name); errors.Is(err, types.ErrNotFound) {
			if err := o.approvals.CreateApproval(ctx, &types.Approval{
				ID:          newID(),
				Source:      types.ApprovalSourceWorkflow,
				InstanceID:  inst.ID,
				StepName:    st.Name,
				Payload:     payload,
				Status:      types.ApprovalPending,
				RequestedAt: now,
			}); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}

	inst.CurrentStep = passedSteps(steps)
	if err := inst.TransitionTo(types.InstanceSuspended, now); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventWorkflowSuspended, st.Name, o.opts.NodeID,
		map[string]any{"reason": "approval", "step": st.Name, "approvers": approvers}); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "step": st.Name, "approvers": approvers}).
		Info("⏸️ [编排器] 等待审批，实例挂起")

	if o.notifier != nil && len(approvers) > 0 {
		err := o.notifier.SendDirect(ctx, types.OutboundMessage{
			Recipients: approvers,
			Channel:    types.ChannelInApp,
			Subject:    fmt.Sprintf("待审批: %s / %s", inst.WorkflowType, st.Name),
			Body:       fmt.Sprintf("实例 %s（发起人 %s）的步骤 %s 等待审批", inst.ID, inst.Initiator, st.Name),
			Priority:   types.PriorityHigh,
			EntityType: "workflow_instance",
			EntityID:   inst.ID,
			Data:       payload,
		})
		if err != nil {
			o.log.WithField("instance_id", inst.ID).WithError(err).Warn("⚠️ [编排器] 审批通知发送失败")
		}
	}
	return o.snapshot(ctx, inst)
}

// completeLocked 全部步骤完成或跳过
func (o *Orchestrator) completeLocked(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance) error {
	now := o.now().UTC()
	inst.CurrentStep = passedSteps(steps)
	if err := inst.TransitionTo(types.InstanceCompleted, now); err != nil {
		return err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	if err := o.record(ctx, inst, types.EventWorkflowCompleted, "", o.opts.NodeID,
		map[string]any{"completed_steps": inst.CurrentStep}); err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "workflow_type": inst.WorkflowType}).
		Info("🎉 [编排器] 实例执行完成")
	o.notifyMilestone(ctx, inst, types.EventWorkflowCompleted)
	return nil
}

// failStepLocked 步骤永久失败：实例进入失败状态并补偿已完成的步骤
// st 为空表示与具体步骤无关的失败。执行期间收到的取消请求优先。
func (o *Orchestrator) failStepLocked(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance,
	st *types.WorkflowStepInstance, cause error) (*Snapshot, error) {
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	kind := types.KindName(cause)

	stepName := ""
	if st != nil {
		stepName = st.Name
		if st.Status != types.StepFailed {
			st.ErrorMessage = cause.Error()
			if err := st.TransitionTo(types.StepFailed, now); err != nil {
				return nil, err
			}
			if err := o.instances.UpdateStep(ctx, st); err != nil {
				return nil, err
			}
		}
		if err := o.record(ctx, inst, types.EventStepFailed, st.Name, o.opts.NodeID, map[string]any{
			"order":      st.Order,
			"kind":       string(st.Kind),
			"error":      cause.Error(),
			"error_kind": kind,
			"attempts":   st.Attempts,
		}); err != nil {
			return nil, err
		}
	}

	if o.cancelRequested(ctx, inst) {
		if err := o.cancelLocked(ctx, inst, steps, inst.CancelReason, ""); err != nil {
			return nil, err
		}
		return o.reload(ctx, inst.ID)
	}

	inst.ErrorMessage = cause.Error()
	inst.CurrentStep = passedSteps(steps)
	if err := inst.TransitionTo(types.InstanceFailed, now); err != nil {
		return nil, err
	}
	if err := o.instances.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := o.record(ctx, inst, types.EventWorkflowFailed, stepName, o.opts.NodeID, map[string]any{
		"step":       stepName,
		"error":      cause.Error(),
		"error_kind": kind,
	}); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "step": stepName, "error_kind": kind}).
		Error("❌ [编排器] 实例执行失败，开始补偿")

	o.rejectPendingApprovals(ctx, inst, steps, "工作流已失败")
	reason := fmt.Sprintf("步骤 %s 失败: %s", stepName, cause.Error())
	_, compErr := o.saga.Compensate(ctx, inst, steps, reason)
	o.notifyMilestone(ctx, inst, types.EventWorkflowFailed)
	if compErr != nil {
		return nil, fmt.Errorf("实例 %s 补偿记录写入失败: %w", inst.ID, compErr)
	}
	return o.reload(ctx, inst.ID)
}

// rejectPendingApprovals 实例结束时关闭其审批关卡上的待审批项
func (o *Orchestrator) rejectPendingApprovals(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance, comment string) {
	if o.approvals == nil {
		return
	}
	for _, s := range steps {
		if s.Kind != types.StepKindApprovalGate {
			continue
		}
		a, err := o.approvals.FindPendingApproval(ctx, inst.ID, s.Name)
		if err != nil {
			continue
		}
		if err := o.approvals.DecideApproval(ctx, a.ID, types.ApprovalRejected, "system", comment, o.now().UTC()); err != nil {
			o.log.WithFields(logrus.Fields{"instance_id": inst.ID, "approval_id": a.ID}).WithError(err).
				Warn("⚠️ [编排器] 关闭待审批项失败")
		}
	}
}
