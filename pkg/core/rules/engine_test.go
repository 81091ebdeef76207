package rules

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/collaborator/memory"
	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/eventlog"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/sqlite"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

type capturedStart struct {
	workflowType string
	initiator    string
	config       map[string]any
	key          string
}

type fakeStarter struct {
	mu     sync.Mutex
	starts []capturedStart
	err    error
}

func (f *fakeStarter) start(ctx context.Context, workflowType, initiator string, config map[string]any, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.starts = append(f.starts, capturedStart{workflowType, initiator, config, key})
	return fmt.Sprintf("wf-%d", len(f.starts)), nil
}

type sentMessages struct {
	mu   sync.Mutex
	msgs []types.OutboundMessage
}

func (s *sentMessages) SendDirect(ctx context.Context, msg types.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

type rulesHarness struct {
	engine   *Engine
	store    *sqlstore.Store
	backend  *memory.Backend
	starter  *fakeStarter
	notifier *sentMessages
}

func newRulesHarness(t *testing.T) *rulesHarness {
	t.Helper()
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "rules.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := memory.New(nil)
	backend.PutItem("ITEM-1", 3, 5)
	backend.PutAsset("A-1", "in_stock")
	starter := &fakeStarter{}
	notifier := &sentMessages{}

	eng, err := NewEngine(Dependencies{
		Rules:     store,
		Approvals: store,
		Events:    eventlog.New(store),
		Services:  backend.Services(),
		Notifier:  notifier,
		Start:     starter.start,
	})
	require.NoError(t, err)
	return &rulesHarness{engine: eng, store: store, backend: backend, starter: starter, notifier: notifier}
}

func reorderRule(name string) *types.AutomationRule {
	return &types.AutomationRule{
		Name:        name,
		Active:      true,
		TriggerType: types.TriggerStockLevelReached,
		Trigger:     "stock level reached",
		Conditions:  condition.MustParse("quantity < reorderLevel"),
		Actions: []types.Action{{
			Kind: types.ActionCreateProcurementRequest,
			Params: map[string]any{
				"item_id_field": "item_id",
				"quantity":      10,
				"reason":        "库存低于补货线",
			},
		}},
	}
}

func stockEvent(quantity, reorder int) types.DomainEvent {
	return types.DomainEvent{
		ID:      "evt-stock-1",
		Type:    types.TriggerStockLevelReached,
		Source:  "inventory",
		Actor:   "inventory-service",
		Payload: map[string]any{"item_id": "ITEM-1", "quantity": quantity, "reorderLevel": reorder},
	}
}

func TestEvaluate_StockBelowReorderCreatesProcurement(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	require.Len(t, res.Firings, 1)
	assert.True(t, res.Firings[0].Success)

	logs, err := h.engine.Logs(ctx, rule.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, string(types.ActionCreateProcurementRequest), logs[0].ActionTaken)

	procs := h.backend.Procurements()
	require.Len(t, procs, 1)
	assert.Equal(t, "ITEM-1", procs[0].Spec.ItemID)
	assert.Equal(t, 10, procs[0].Spec.Quantity)
	assert.Equal(t, "rule:"+rule.ID+":evt-stock-1:0", procs[0].Spec.IdempotencyKey)

	stored, err := h.engine.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.ExecutionCount)
	assert.EqualValues(t, 0, stored.FailureCount)
	assert.Equal(t, "success", stored.LastOutcome)
	require.NotNil(t, stored.LastExecutedAt)

	applied, err := h.store.ListEvents(ctx, storage.EventFilter{Type: types.EventRuleApplied})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, rule.ID, applied[0].Payload["rule_id"])
}

func TestEvaluate_ConditionFalseLogsNothing(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(7, 5))
	require.NoError(t, err)
	assert.Zero(t, res.Matched)

	logs, err := h.engine.Logs(ctx, rule.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, h.backend.Procurements())
}

func TestEvaluate_RedeliveryDoesNotDuplicateProcurement(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
		require.NoError(t, err)
	}
	assert.Len(t, h.backend.Procurements(), 1)
}

func TestEvaluate_FailingRuleDoesNotBlockOthers(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()

	broken := reorderRule("broken")
	broken.Priority = 10
	broken.Actions = []types.Action{{
		Kind:   types.ActionSetAssetStatus,
		Params: map[string]any{"asset_id": "A-404", "status": "retired"},
	}}
	brokenRule, err := h.engine.CreateRule(ctx, broken)
	require.NoError(t, err)
	okRule, err := h.engine.CreateRule(ctx, reorderRule("healthy"))
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	require.Len(t, res.Firings, 2)
	// 高优先级先执行
	assert.Equal(t, brokenRule.ID, res.Firings[0].RuleID)
	assert.False(t, res.Firings[0].Success)
	assert.Equal(t, okRule.ID, res.Firings[1].RuleID)
	assert.True(t, res.Firings[1].Success)

	stored, err := h.engine.GetRule(ctx, brokenRule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.FailureCount)
	logs, err := h.engine.Logs(ctx, brokenRule.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.NotEmpty(t, logs[0].ErrorMessage)
	assert.Len(t, h.backend.Procurements(), 1)
}

func TestEvaluate_StopsAtFirstFailedAction(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	r := reorderRule("two-actions")
	r.Actions = append([]types.Action{{
		Kind:   types.ActionSetAssetStatus,
		Params: map[string]any{"asset_id": "A-404", "status": "retired"},
	}}, r.Actions...)
	_, err := h.engine.CreateRule(ctx, r)
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	assert.Len(t, res.Firings[0].Outcomes, 1)
	assert.Empty(t, h.backend.Procurements())
}

func TestDisableRule_StopsFiring(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)

	// 先评估一次让缓存装入该规则
	_, err = h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)

	disabled, err := h.engine.DisableRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Active)

	ev := stockEvent(3, 5)
	ev.ID = "evt-stock-2"
	res, err := h.engine.Evaluate(ctx, ev)
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Len(t, h.backend.Procurements(), 1)

	_, err = h.engine.EnableRule(ctx, rule.ID)
	require.NoError(t, err)
	res, err = h.engine.Evaluate(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Len(t, h.backend.Procurements(), 2)
}

func TestUpdateRule_InvalidatesCache(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, stockEvent(7, 5))
	require.NoError(t, err)

	rule.Conditions = condition.MustParse("quantity <= 10")
	updated, err := h.engine.UpdateRule(ctx, rule)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.Version)

	res, err := h.engine.Evaluate(ctx, stockEvent(7, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	stale := *updated
	stale.Version = 0
	_, err = h.engine.UpdateRule(ctx, &stale)
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
}

func TestCreateRule_Validation(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()

	cases := map[string]func(r *types.AutomationRule){
		"empty name":       func(r *types.AutomationRule) { r.Name = " " },
		"unknown trigger":  func(r *types.AutomationRule) { r.TriggerType = "Whenever" },
		"trigger mismatch": func(r *types.AutomationRule) { r.Trigger = "item received" },
		"no actions":       func(r *types.AutomationRule) { r.Actions = nil },
		"bad action params": func(r *types.AutomationRule) {
			r.Actions = []types.Action{{Kind: types.ActionCreateProcurementRequest, Params: map[string]any{"quantity": 1}}}
		},
		"unknown action": func(r *types.AutomationRule) {
			r.Actions = []types.Action{{Kind: "launch_rocket"}}
		},
		"bad condition": func(r *types.AutomationRule) {
			r.Conditions = &condition.Condition{Op: condition.OpAnd}
		},
		"schedule on event trigger": func(r *types.AutomationRule) { r.Schedule = "@every 1m" },
		"scheduled without cron": func(r *types.AutomationRule) {
			r.TriggerType = types.TriggerScheduledInterval
			r.Trigger = ""
		},
		"invalid cron": func(r *types.AutomationRule) {
			r.TriggerType = types.TriggerScheduledInterval
			r.Trigger = ""
			r.Schedule = "every tuesday"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := reorderRule("rule-" + name)
			mutate(r)
			_, err := h.engine.CreateRule(ctx, r)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}

	list, err := h.engine.ListRules(ctx, storage.RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateRule_DuplicateName(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateRule(ctx, reorderRule("dup"))
	require.NoError(t, err)
	_, err = h.engine.CreateRule(ctx, reorderRule("dup"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLoad_MismatchedStoredRuleUsesTriggerType(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()

	// 绕过引擎校验直接写入不一致的规则，模拟历史数据
	legacy := reorderRule("legacy")
	legacy.ID = "rule-legacy"
	legacy.Trigger = "item received"
	require.NoError(t, h.store.CreateRule(ctx, legacy))
	require.NoError(t, h.engine.Load(ctx))

	res, err := h.engine.Evaluate(ctx, types.DomainEvent{
		ID:      "evt-item",
		Type:    types.TriggerItemReceived,
		Payload: map[string]any{"item_id": "ITEM-1", "quantity": 3, "reorderLevel": 5},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)

	res, err = h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
}

func TestRequiresApproval_StagesActionsUntilApproved(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	r := reorderRule("approval-reorder")
	r.RequiresApproval = true
	rule, err := h.engine.CreateRule(ctx, r)
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	approvalID := res.Firings[0].ApprovalID
	require.NotEmpty(t, approvalID)
	assert.Empty(t, h.backend.Procurements())

	pending, err := h.store.ListApprovals(ctx, types.ApprovalPending, types.ApprovalSourceRule)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rule.ID, pending[0].RuleID)

	firing, err := h.engine.DecideApproval(ctx, approvalID, "manager", true, "同意")
	require.NoError(t, err)
	assert.True(t, firing.Success)
	assert.Len(t, h.backend.Procurements(), 1)

	_, err = h.engine.DecideApproval(ctx, approvalID, "manager", true, "")
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	logs, err := h.engine.Logs(ctx, rule.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestRequiresApproval_RejectedRunsNothing(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	r := reorderRule("approval-reorder")
	r.RequiresApproval = true
	_, err := h.engine.CreateRule(ctx, r)
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)
	_, err = h.engine.DecideApproval(ctx, res.Firings[0].ApprovalID, "manager", false, "本月预算已满")
	require.NoError(t, err)
	assert.Empty(t, h.backend.Procurements())
}

func TestActions_StartWorkflowAndNotify(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, &types.AutomationRule{
		Name:        "dispose-on-fail",
		Active:      true,
		TriggerType: types.TriggerQualityAssessmentCompleted,
		Conditions:  condition.MustParse(`result == "fail"`),
		Actions: []types.Action{
			{Kind: types.ActionStartWorkflow, Params: map[string]any{
				"workflow_type":        "asset-disposal",
				"configuration":        map[string]any{"reason": "质检不合格"},
				"configuration_fields": map[string]any{"asset_id": "asset_id"},
			}},
			{Kind: types.ActionNotify, Params: map[string]any{
				"recipients_field": "inspector",
				"subject":          "资产 ${asset_id} 已进入处置流程",
				"priority":         "high",
			}},
		},
	})
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, types.DomainEvent{
		ID:      "qa-1",
		Type:    types.TriggerQualityAssessmentCompleted,
		Payload: map[string]any{"asset_id": "A-1", "result": "fail", "inspector": "zhang"},
	})
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	require.True(t, res.Firings[0].Success, res.Firings[0].Error)

	require.Len(t, h.starter.starts, 1)
	started := h.starter.starts[0]
	assert.Equal(t, "asset-disposal", started.workflowType)
	assert.Equal(t, "rule:dispose-on-fail", started.initiator)
	assert.Equal(t, "A-1", started.config["asset_id"])
	assert.Equal(t, rule.ID, started.config["triggered_by_rule"])
	assert.Equal(t, "rule:"+rule.ID+":qa-1:0", started.key)

	require.Len(t, h.notifier.msgs, 1)
	msg := h.notifier.msgs[0]
	assert.Equal(t, []string{"zhang"}, msg.Recipients)
	assert.Equal(t, types.ChannelInApp, msg.Channel)
	assert.Equal(t, "资产 A-1 已进入处置流程", msg.Subject)
}

func TestActions_StarterErrorIsRecorded(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	h.starter.err = types.NewValidationError("orchestrator.start", "缺少配置")
	rule, err := h.engine.CreateRule(ctx, &types.AutomationRule{
		Name:        "start-on-request",
		Active:      true,
		TriggerType: types.TriggerRequestCreated,
		Actions:     []types.Action{{Kind: types.ActionStartWorkflow, Params: map[string]any{"workflow_type": "asset-request"}}},
	})
	require.NoError(t, err)

	res, err := h.engine.Evaluate(ctx, types.DomainEvent{Type: types.TriggerRequestCreated})
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	assert.False(t, res.Firings[0].Success)
	assert.Contains(t, res.Firings[0].Error, "缺少配置")

	stored, err := h.engine.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.FailureCount)
}

func TestTrigger_ManualRunsOnlyThatRule(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	first, err := h.engine.CreateRule(ctx, reorderRule("first"))
	require.NoError(t, err)
	_, err = h.engine.CreateRule(ctx, reorderRule("second"))
	require.NoError(t, err)

	res, err := h.engine.Trigger(ctx, first.ID, "admin", map[string]any{"item_id": "ITEM-1", "quantity": 1, "reorderLevel": 5})
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	assert.Equal(t, first.ID, res.Firings[0].RuleID)

	_, err = h.engine.DisableRule(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.engine.Trigger(ctx, first.ID, "admin", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDeleteRule_KeepsLogs(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	rule, err := h.engine.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, stockEvent(3, 5))
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteRule(ctx, rule.ID))
	_, err = h.engine.GetRule(ctx, rule.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	logs, err := h.engine.Logs(ctx, rule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestValidateAction(t *testing.T) {
	assert.NoError(t, ValidateAction(types.Action{Kind: types.ActionSetRequestStatus, Params: map[string]any{"request_id_field": "id", "status": "approved"}}))
	assert.ErrorIs(t, ValidateAction(types.Action{Kind: types.ActionSetRequestStatus, Params: map[string]any{"status": "approved"}}), types.ErrValidation)
	assert.ErrorIs(t, ValidateAction(types.Action{Kind: types.ActionNotify, Params: map[string]any{"recipients": []any{"a"}, "subject": "x", "channel": "fax"}}), types.ErrValidation)
	assert.ErrorIs(t, ValidateAction(types.Action{Kind: types.ActionStartWorkflow, Params: map[string]any{"workflow_type": "x", "extra": 1}}), types.ErrValidation)
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

func TestEvaluate_RuleAppliedRecordFailureIsReported(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	eng, err := NewEngine(Dependencies{
		Rules:     h.store,
		Approvals: h.store,
		Events:    &failingRecorder{Log: eventlog.New(h.store), failOn: types.EventRuleApplied},
		Services:  h.backend.Services(),
		Notifier:  h.notifier,
		Start:     h.starter.start,
	})
	require.NoError(t, err)
	_, err = eng.CreateRule(ctx, reorderRule("auto-reorder"))
	require.NoError(t, err)

	res, err := eng.Evaluate(ctx, stockEvent(3, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "记录规则事件失败")
	require.NotNil(t, res)
	require.Len(t, res.Firings, 1)
	assert.False(t, res.Firings[0].Success)
	assert.Contains(t, res.Firings[0].Error, "event store unavailable")
	assert.Len(t, h.backend.Procurements(), 1, "动作已执行，记录失败单独上报")
}
