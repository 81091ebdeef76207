package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/collaborator/memory"
	"github.com/LENAX/asset-flow/pkg/core/cache"
	"github.com/LENAX/asset-flow/pkg/core/eventlog"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/sqlite"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.OutboundMessage
}

func (n *recordingNotifier) SendDirect(ctx context.Context, msg types.OutboundMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) messagesTo(recipient string) []types.OutboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.OutboundMessage
	for _, m := range n.sent {
		for _, r := range m.Recipients {
			if r == recipient {
				out = append(out, m)
			}
		}
	}
	return out
}

// gateHandler 替换 data_validation：进入后通知 entered，等待 release 再返回 result
type gateHandler struct {
	entered     chan struct{}
	release     chan struct{}
	result      error
	mu          sync.Mutex
	compensated []string
}

func newGateHandler() *gateHandler {
	return &gateHandler{entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (h *gateHandler) Kind() types.StepKind { return types.StepKindDataValidation }

func (h *gateHandler) Execute(ctx context.Context, req step.Request) (step.Result, error) {
	h.entered <- struct{}{}
	select {
	case <-h.release:
	case <-ctx.Done():
		return step.Result{}, ctx.Err()
	}
	if h.result != nil {
		return step.Result{}, h.result
	}
	return step.Result{
		Output:       map[string]any{"held": true},
		Compensation: &types.CompensationAction{Params: map[string]any{"step": req.Step.Name}},
	}, nil
}

func (h *gateHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.compensated = append(h.compensated, action.Key)
	return nil
}

type harness struct {
	orch     *Orchestrator
	store    *sqlstore.Store
	events   *eventlog.Log
	backend  *memory.Backend
	notifier *recordingNotifier
	registry *step.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "engine.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := memory.New(nil)
	backend.PutItem("ITEM-1", 10, 2)
	backend.PutAsset("A-1", "in_stock")
	backend.PutRequest("REQ-1", "submitted")

	notifier := &recordingNotifier{}
	reg := step.NewRegistry(step.Dependencies{Services: backend.Services(), Notifier: notifier})
	catalog := NewCatalog(reg)
	require.NoError(t, catalog.RegisterBuiltins())
	require.NoError(t, catalog.Register(threeStepDefinition()))

	idem := cache.NewMemoryCache[string](0)
	t.Cleanup(idem.Close)
	events := eventlog.New(store)

	orch := NewOrchestrator(Dependencies{
		Instances:   store,
		Approvals:   store,
		Events:      events,
		Executor:    step.NewExecutor(reg, time.Second),
		Catalog:     catalog,
		Notifier:    notifier,
		Idempotency: idem,
	}, Options{
		DefaultStepTimeout:   5 * time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		NodeID:               "node-test",
	})
	return &harness{orch: orch, store: store, events: events, backend: backend, notifier: notifier, registry: reg}
}

// threeStepDefinition 预留库存、校验数据、更新申请状态
func threeStepDefinition() Definition {
	return Definition{
		Type:           "three-step",
		RequiredConfig: []string{"item_id", "request_id"},
		Steps: []StepDefinition{
			{Name: "reserve", Kind: types.StepKindResourceAllocation, Params: map[string]any{"item_id": "${item_id}", "quantity": 4}},
			{Name: "check", Kind: types.StepKindDataValidation, Params: map[string]any{"condition": "EXISTS item_id"}},
			{Name: "fulfil", Kind: types.StepKindServiceCall, Params: map[string]any{
				"operation": step.OpSetRequestStatus, "request_id": "${request_id}", "status": "fulfilled",
			}},
		},
	}
}

func (h *harness) start(t *testing.T, workflowType string, config map[string]any) string {
	t.Helper()
	id, err := h.orch.Start(context.Background(), workflowType, "alice", config)
	require.NoError(t, err)
	return id
}

func eventTypes(events []*types.WorkflowEvent, want types.EventType) []*types.WorkflowEvent {
	var out []*types.WorkflowEvent
	for _, ev := range events {
		if ev.Type == want {
			out = append(out, ev)
		}
	}
	return out
}

func assertInvariants(t *testing.T, snap *Snapshot) {
	t.Helper()
	inst := snap.Instance
	assert.LessOrEqual(t, inst.CurrentStep, inst.TotalSteps)
	assert.Equal(t, inst.Status.IsTerminal(), inst.EndTime != nil, "终态与结束时间必须一致")
	for _, s := range snap.Steps {
		if s.Status == types.StepCompleted {
			assert.NotNil(t, s.EndTime, "已完成的步骤 %s 必须有结束时间", s.Name)
		}
	}
}

func TestStart_ValidationHappensBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "no-such-workflow", "alice", nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.orch.Start(ctx, "three-step", "alice", map[string]any{"item_id": "ITEM-1"})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "request_id")

	_, err = h.orch.Start(ctx, "three-step", " ", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, total, err := h.orch.ListInstances(ctx, storage.InstanceFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStart_CreatesRunningInstanceWithAllSteps(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	snap, err := h.orch.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, snap.Instance.Status)
	assert.Equal(t, 3, snap.Instance.TotalSteps)
	require.Len(t, snap.Steps, 3)
	for i, s := range snap.Steps {
		assert.Equal(t, i, s.Order)
		assert.Equal(t, types.StepPending, s.Status)
	}
	require.Len(t, snap.Events, 1)
	assert.Equal(t, types.EventWorkflowStarted, snap.Events[0].Type)
	assertInvariants(t, snap)
}

func TestStart_IdempotencyKeyReturnsSameInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	config := map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"}

	first, err := h.orch.Start(ctx, "three-step", "alice", config, WithIdempotencyKey("order-42"))
	require.NoError(t, err)
	second, err := h.orch.Start(ctx, "three-step", "alice", config, WithIdempotencyKey("order-42"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, total, err := h.orch.ListInstances(ctx, storage.InstanceFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRun_CompletesAllSteps(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	snap, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, 3, snap.Instance.CurrentStep)
	assert.Equal(t, 6, h.backend.StockOf("ITEM-1"))
	assert.Len(t, eventTypes(snap.Events, types.EventStepCompleted), 3)
	assert.Len(t, eventTypes(snap.Events, types.EventWorkflowCompleted), 1)
	assertInvariants(t, snap)

	// 里程碑直接通知发起人
	msgs := h.notifier.messagesTo("alice")
	require.NotEmpty(t, msgs)
	assert.Equal(t, types.ChannelInApp, msgs[len(msgs)-1].Channel)
}

func TestScenario_PermanentFailureCompensatesCompletedSteps(t *testing.T) {
	h := newHarness(t)
	// REQ-404 不存在，第二个写操作永久失败
	def := Definition{
		Type: "fail-second",
		Steps: []StepDefinition{
			{Name: "reserve", Kind: types.StepKindResourceAllocation, Params: map[string]any{"item_id": "ITEM-1", "quantity": 3}},
			{Name: "fulfil", Kind: types.StepKindServiceCall, Params: map[string]any{
				"operation": step.OpSetRequestStatus, "request_id": "REQ-404", "status": "fulfilled",
			}},
			{Name: "notify", Kind: types.StepKindNotification, Params: map[string]any{"recipients": []any{"ops"}, "subject": "done"}},
		},
	}
	require.NoError(t, h.orch.Catalog().Register(def))
	id := h.start(t, "fail-second", nil)

	snap, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, types.InstanceFailed, snap.Instance.Status)
	assert.Equal(t, types.StepCompleted, snap.Steps[0].Status)
	assert.Equal(t, types.StepFailed, snap.Steps[1].Status)
	assert.Equal(t, types.StepPending, snap.Steps[2].Status, "第三步从未执行")
	assert.Nil(t, snap.Steps[2].StartTime)
	assert.Contains(t, snap.Instance.ErrorMessage, "REQ-404")

	comps := eventTypes(snap.Events, types.EventCompensationExecuted)
	require.Len(t, comps, 1)
	assert.Equal(t, "reserve", comps[0].StepName)
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"), "预留的库存已释放")
	assert.Equal(t, types.CompensationCompensated, snap.Instance.CompensationState)
	require.NotNil(t, snap.Instance.CompensationData)
	assert.Equal(t, []int{0}, snap.Instance.CompensationData.Orders)

	failed := eventTypes(snap.Events, types.EventStepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "permanent", failed[0].Payload["error_kind"])
	assert.Len(t, eventTypes(snap.Events, types.EventWorkflowFailed), 1)
	assertInvariants(t, snap)
}

func TestScenario_CompensationCountMatchesCompletedSteps(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	ctx := context.Background()

	_, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)
	_, err = h.orch.Advance(ctx, id)
	require.NoError(t, err)

	snap, err := h.orch.Fail(ctx, id, "", errors.New("外部系统拒绝"))
	require.NoError(t, err)
	assert.Equal(t, types.InstanceFailed, snap.Instance.Status)
	assert.Equal(t, types.StepFailed, snap.Steps[2].Status)

	comps := eventTypes(snap.Events, types.EventCompensationExecuted)
	require.Len(t, comps, 2)
	assert.Equal(t, "check", comps[0].StepName)
	assert.Equal(t, "reserve", comps[1].StepName)
	assert.Equal(t, []int{1, 0}, snap.Instance.CompensationData.Orders)
	assertInvariants(t, snap)
}

func TestAdvance_TerminalInstanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	ctx := context.Background()
	done, err := h.orch.Run(ctx, id)
	require.NoError(t, err)

	first, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)
	second, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, types.InstanceCompleted, first.Instance.Status)
	assert.Equal(t, first.Instance.Status, second.Instance.Status)
	assert.Len(t, second.Events, len(done.Events))
	assert.Equal(t, done.Instance.Version, second.Instance.Version)
}

func TestAdvance_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNext("ReserveStock", types.NewTransientError("ReserveStock", errors.New("timeout")))
	h.backend.FailNext("ReserveStock", types.NewTransientError("ReserveStock", errors.New("timeout")))
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	snap, err := h.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, snap.Steps[0].Status)
	assert.Equal(t, 3, snap.Steps[0].Attempts)
	assert.Equal(t, 3, h.backend.Calls("ReserveStock"))
	assert.Equal(t, 6, h.backend.StockOf("ITEM-1"))
}

func TestAdvance_ExhaustedRetriesBecomePermanent(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.backend.FailNext("ReserveStock", types.NewTransientError("ReserveStock", errors.New("timeout")))
	}
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	snap, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceFailed, snap.Instance.Status)
	assert.Equal(t, 3, snap.Steps[0].Attempts)
	assert.Contains(t, snap.Instance.ErrorMessage, "重试")
	assert.Empty(t, eventTypes(snap.Events, types.EventCompensationExecuted))
	assert.Equal(t, types.CompensationNone, snap.Instance.CompensationState)
}

func TestAdvance_OptionalStepSkippedWhenPreconditionFalse(t *testing.T) {
	h := newHarness(t)
	id := h.start(t, "asset-lifecycle-transition", map[string]any{"asset_id": "A-1", "target_status": "in_use"})

	snap, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, types.StepSkipped, snap.Steps[1].Status)
	assert.Equal(t, 4, snap.Instance.CurrentStep)
	assert.Len(t, eventTypes(snap.Events, types.EventStepCompleted), 3)

	status, err := h.backend.GetAssetStatus(context.Background(), "A-1")
	require.NoError(t, err)
	assert.Equal(t, "in_use", status)
}

func TestAdvance_RequiredStepFailsWhenPreconditionFalse(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Catalog().Register(Definition{
		Type: "guarded",
		Steps: []StepDefinition{
			{Name: "check", Kind: types.StepKindValidation, Params: map[string]any{"required": []any{"item_id"}}},
			{Name: "reserve", Kind: types.StepKindResourceAllocation, When: "quantity > 0",
				Params: map[string]any{"item_id": "${item_id}", "quantity": 1}},
		},
	}))
	id := h.start(t, "guarded", map[string]any{"item_id": "ITEM-1", "quantity": 0})

	snap, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceFailed, snap.Instance.Status)
	assert.Equal(t, types.StepFailed, snap.Steps[1].Status)
	assert.Contains(t, snap.Steps[1].ErrorMessage, "前置条件")
}

func TestApprovalGate_SuspendThenApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "asset-lifecycle-transition", map[string]any{"asset_id": "A-1", "target_status": "retired", "asset_value": 8000})

	snap, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceSuspended, snap.Instance.Status)
	assert.Equal(t, types.StepPending, snap.Steps[1].Status)
	assert.Len(t, eventTypes(snap.Events, types.EventWorkflowSuspended), 1)
	assert.Len(t, h.notifier.messagesTo("asset-manager"), 1)

	pending, err := h.store.ListApprovals(ctx, types.ApprovalPending, types.ApprovalSourceWorkflow)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "approve", pending[0].StepName)

	// 挂起的实例推进是空操作
	again, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceSuspended, again.Instance.Status)
	assert.Len(t, again.Events, len(snap.Events))

	snap, err = h.orch.ApproveStep(ctx, id, "bob", true, "ok")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, snap.Instance.Status)

	snap, err = h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, snap.Instance.Status)
	assert.Equal(t, "approved", snap.Steps[1].Output["decision"])
	assert.Equal(t, "bob", snap.Steps[1].Output["decided_by"])

	pending, err = h.store.ListApprovals(ctx, types.ApprovalPending, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprovalGate_RejectFailsAndCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "asset-lifecycle-transition", map[string]any{"asset_id": "A-1", "target_status": "retired", "asset_value": 8000})
	_, err := h.orch.Run(ctx, id)
	require.NoError(t, err)

	snap, err := h.orch.ApproveStep(ctx, id, "bob", false, "预算不足")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceFailed, snap.Instance.Status)
	assert.Equal(t, types.StepFailed, snap.Steps[1].Status)
	assert.Contains(t, snap.Instance.ErrorMessage, "预算不足")
	assert.Len(t, eventTypes(snap.Events, types.EventCompensationExecuted), 1)

	rejected, err := h.store.ListApprovals(ctx, types.ApprovalRejected, types.ApprovalSourceWorkflow)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "bob", rejected[0].DecidedBy)

	_, err = h.orch.ApproveStep(ctx, id, "bob", true, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCancel_IdleInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	_, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)

	snap, err := h.orch.Cancel(ctx, id, "alice", "不再需要")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, snap.Instance.Status)
	assert.Equal(t, "不再需要", snap.Instance.CancelReason)
	assert.Equal(t, types.StepCompleted, snap.Steps[0].Status)
	assert.Equal(t, types.StepCancelled, snap.Steps[1].Status)
	assert.Equal(t, types.StepCancelled, snap.Steps[2].Status)
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"))
	assert.Len(t, eventTypes(snap.Events, types.EventCompensationExecuted), 1)
	cancelled := eventTypes(snap.Events, types.EventWorkflowCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "alice", cancelled[0].Actor)
	assertInvariants(t, snap)

	_, err = h.orch.Cancel(ctx, id, "alice", "again")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestScenario_CancelDeferredUntilInFlightStepCompletes(t *testing.T) {
	h := newHarness(t)
	gate := newGateHandler()
	require.NoError(t, h.registry.Replace(gate))
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	type result struct {
		snap *Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := h.orch.Run(context.Background(), id)
		done <- result{snap, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("第二步没有开始执行")
	}

	snap, err := h.orch.Cancel(context.Background(), id, "alice", "需求变更")
	require.NoError(t, err)
	assert.True(t, snap.Instance.CancelRequested)
	assert.Equal(t, types.InstanceRunning, snap.Instance.Status, "执行中的步骤结束前不取消")
	assert.Equal(t, types.StepRunning, snap.Steps[1].Status)
	assert.Empty(t, eventTypes(snap.Events, types.EventCompensationExecuted))

	close(gate.release)
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("推进没有结束")
	}
	require.NoError(t, res.err)

	final := res.snap
	assert.Equal(t, types.InstanceCancelled, final.Instance.Status)
	assert.Equal(t, types.StepCompleted, final.Steps[1].Status)
	assert.Equal(t, types.StepCancelled, final.Steps[2].Status)
	comps := eventTypes(final.Events, types.EventCompensationExecuted)
	require.Len(t, comps, 2)
	assert.Equal(t, "check", comps[0].StepName)
	assert.Equal(t, "reserve", comps[1].StepName)
	assert.Equal(t, []string{types.StepKey(id, 1)}, gate.compensated)
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"))
	assert.Equal(t, "需求变更", final.Instance.CancelReason)
	assertInvariants(t, final)
}

func TestScenario_CancelWhileStepFailsCompensatesEarlierStepsOnly(t *testing.T) {
	h := newHarness(t)
	gate := newGateHandler()
	gate.result = types.NewPermanentError("check", errors.New("数据不一致"))
	require.NoError(t, h.registry.Replace(gate))
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	done := make(chan *Snapshot, 1)
	go func() {
		snap, _ := h.orch.Run(context.Background(), id)
		done <- snap
	}()
	<-gate.entered

	_, err := h.orch.Cancel(context.Background(), id, "alice", "需求变更")
	require.NoError(t, err)
	close(gate.release)

	final := <-done
	require.NotNil(t, final)
	assert.Equal(t, types.InstanceCancelled, final.Instance.Status)
	assert.Equal(t, types.StepFailed, final.Steps[1].Status)
	comps := eventTypes(final.Events, types.EventCompensationExecuted)
	require.Len(t, comps, 1)
	assert.Equal(t, "reserve", comps[0].StepName)
	assert.Empty(t, gate.compensated)
	assert.Len(t, eventTypes(final.Events, types.EventStepFailed), 1)
}

func TestScenario_ConcurrentAdvanceConflicts(t *testing.T) {
	h := newHarness(t)
	gate := newGateHandler()
	require.NoError(t, h.registry.Replace(gate))
	require.NoError(t, h.orch.Catalog().Register(Definition{
		Type: "gated-first",
		Steps: []StepDefinition{
			{Name: "check", Kind: types.StepKindDataValidation, Params: map[string]any{"condition": "EXISTS item_id"}},
			{Name: "reserve", Kind: types.StepKindResourceAllocation, Params: map[string]any{"item_id": "ITEM-1", "quantity": 1}},
		},
	}))
	id := h.start(t, "gated-first", map[string]any{"item_id": "ITEM-1"})
	ctx := context.Background()

	done := make(chan *Snapshot, 1)
	go func() {
		snap, err := h.orch.Advance(ctx, id)
		assert.NoError(t, err)
		done <- snap
	}()
	<-gate.entered

	_, err := h.orch.Advance(ctx, id)
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	close(gate.release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, types.StepCompleted, first.Steps[0].Status)
	assert.Equal(t, 1, first.Instance.CurrentStep)

	// 重试时看到已经推进过的状态，继续下一步
	second, err := h.orch.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, second.Steps[0].Status)
	assert.Equal(t, types.StepCompleted, second.Steps[1].Status)
	assert.Equal(t, types.InstanceCompleted, second.Instance.Status)
	assert.Len(t, eventTypes(second.Events, types.EventStepStarted), 2)
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	snap, err := h.orch.Suspend(ctx, id, "ops", "盘点中")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceSuspended, snap.Instance.Status)

	snap, err = h.orch.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, snap.Steps[0].Status)

	snap, err = h.orch.Resume(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, snap.Instance.Status)

	snap, err = h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, snap.Instance.Status)

	_, err = h.orch.Resume(ctx, id, "ops")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRecover_ListsRunningAndCancelRequested(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	running := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	suspended := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	_, err := h.orch.Suspend(ctx, suspended, "ops", "")
	require.NoError(t, err)
	require.NoError(t, h.store.RequestCancel(ctx, suspended, "shutdown"))
	plain := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	_, err = h.orch.Suspend(ctx, plain, "ops", "")
	require.NoError(t, err)

	ids, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{running, suspended}, ids)

	snap, err := h.orch.Advance(ctx, suspended)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, snap.Instance.Status)
	assert.Equal(t, "shutdown", snap.Instance.CancelReason)
}

func TestRun_ShutdownRevertsInFlightStep(t *testing.T) {
	h := newHarness(t)
	gate := newGateHandler()
	require.NoError(t, h.registry.Replace(gate))
	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, id)
		errCh <- err
	}()
	<-gate.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	snap, err := h.orch.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, snap.Instance.Status)
	assert.Equal(t, types.StepPending, snap.Steps[1].Status)
}

// failingRecorder 指定类型的事件写入失败
type failingRecorder struct {
	*eventlog.Log
	failOn types.EventType
}

func (r *failingRecorder) Record(ctx context.Context, ev *types.WorkflowEvent) error {
	if ev.Type == r.failOn {
		return errors.New("event store unavailable")
	}
	return r.Log.Record(ctx, ev)
}

func (h *harness) withRecorder(rec EventRecorder) *Orchestrator {
	return NewOrchestrator(Dependencies{
		Instances: h.store,
		Approvals: h.store,
		Events:    rec,
		Executor:  step.NewExecutor(h.registry, time.Second),
		Catalog:   h.orch.Catalog(),
	}, Options{
		DefaultStepTimeout:   5 * time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		NodeID:               "node-test",
	})
}

func TestFailure_CompensationRecordErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	orch := h.withRecorder(&failingRecorder{Log: h.events, failOn: types.EventCompensationExecuted})
	ctx := context.Background()
	id, err := orch.Start(ctx, "three-step", "alice", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-404"})
	require.NoError(t, err)

	_, err = orch.Run(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "补偿记录写入失败")

	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"), "补偿本身仍然走完")
}

func TestCancel_CompensationRecordErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	orch := h.withRecorder(&failingRecorder{Log: h.events, failOn: types.EventCompensationExecuted})
	ctx := context.Background()
	id, err := orch.Start(ctx, "three-step", "alice", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	require.NoError(t, err)
	_, err = orch.Advance(ctx, id)
	require.NoError(t, err)

	_, err = orch.Cancel(ctx, id, "alice", "不再需要")
	require.Error(t, err)

	events, err := h.events.ForInstance(ctx, id)
	require.NoError(t, err)
	assert.Len(t, eventTypes(events, types.EventWorkflowCancelled), 1, "取消事件照常写入")
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"))
}
