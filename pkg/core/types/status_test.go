package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to InstanceStatus
		ok       bool
	}{
		{InstancePending, InstanceRunning, true},
		{InstancePending, InstanceCancelled, true},
		{InstancePending, InstanceCompleted, false},
		{InstanceRunning, InstanceSuspended, true},
		{InstanceSuspended, InstanceRunning, true},
		{InstanceSuspended, InstanceCompleted, false},
		{InstanceRunning, InstanceCompleted, true},
		{InstanceCompleted, InstanceRunning, false},
		{InstanceFailed, InstanceCancelled, false},
		{InstanceCancelled, InstanceRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestWorkflowInstance_TransitionSetsEndTime(t *testing.T) {
	inst := &WorkflowInstance{ID: "i-1", Status: InstancePending}
	now := time.Now()

	require.NoError(t, inst.TransitionTo(InstanceRunning, now))
	assert.Nil(t, inst.EndTime, "非终态不应设置结束时间")

	require.NoError(t, inst.TransitionTo(InstanceCompleted, now))
	require.NotNil(t, inst.EndTime)
	assert.True(t, inst.Status.IsTerminal())

	err := inst.TransitionTo(InstanceRunning, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStepInstance_CompletedRequiresEndTime(t *testing.T) {
	step := &WorkflowStepInstance{Name: "reserve", Status: StepPending}
	now := time.Now()

	require.NoError(t, step.TransitionTo(StepRunning, now))
	require.NotNil(t, step.StartTime)
	require.NoError(t, step.TransitionTo(StepCompleted, now))
	assert.NotNil(t, step.EndTime)
	assert.Error(t, step.TransitionTo(StepFailed, now))
}

func TestNotificationStatus_Monotonic(t *testing.T) {
	assert.True(t, NotificationPending.CanTransitionTo(NotificationSent))
	assert.True(t, NotificationPending.CanTransitionTo(NotificationDelivered))
	assert.True(t, NotificationSent.CanTransitionTo(NotificationDelivered))
	assert.True(t, NotificationDelivered.CanTransitionTo(NotificationRead))
	assert.True(t, NotificationPending.CanTransitionTo(NotificationFailed))
	assert.True(t, NotificationSent.CanTransitionTo(NotificationFailed))

	assert.False(t, NotificationSent.CanTransitionTo(NotificationPending))
	assert.False(t, NotificationDelivered.CanTransitionTo(NotificationFailed))
	assert.False(t, NotificationRead.CanTransitionTo(NotificationDelivered))
	assert.False(t, NotificationFailed.CanTransitionTo(NotificationSent))
}

func TestNotification_TransitionTimestamps(t *testing.T) {
	n := &Notification{ID: "n-1", Status: NotificationPending}
	now := time.Now()
	require.NoError(t, n.TransitionTo(NotificationDelivered, now))
	assert.NotNil(t, n.SentAt)
	assert.NotNil(t, n.DeliveredAt)
	require.NoError(t, n.TransitionTo(NotificationRead, now))
	assert.NotNil(t, n.ReadAt)
	assert.Error(t, n.TransitionTo(NotificationFailed, now))
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, KindOf(nil))
	assert.Equal(t, ErrTransient, KindOf(NewTransientError("op", fmt.Errorf("timeout"))))
	assert.Equal(t, ErrPermanent, KindOf(errors.New("unknown")))
	assert.Equal(t, ErrTransient, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrValidation, KindOf(NewValidationError("op", "bad")))

	// 重试耗尽后的瞬时错误被包装为永久错误
	escalated := NewPermanentError("retry", NewTransientError("call", errors.New("503")))
	assert.Equal(t, ErrPermanent, KindOf(escalated))
	assert.True(t, errors.Is(escalated, ErrTransient))
	assert.True(t, IsPermanent(escalated))
	assert.False(t, IsTransient(escalated))
}

func TestClassify(t *testing.T) {
	raw := errors.New("boom")
	classified := Classify("step", raw)
	assert.ErrorIs(t, classified, ErrPermanent)
	assert.ErrorIs(t, classified, raw)

	already := NewTransientError("x", raw)
	assert.Same(t, already, Classify("y", already))
}

func TestParseTriggerType(t *testing.T) {
	tt, ok := ParseTriggerType("stock level reached")
	require.True(t, ok)
	assert.Equal(t, TriggerStockLevelReached, tt)

	_, ok = ParseTriggerType("nonsense")
	assert.False(t, ok)

	rule := &AutomationRule{TriggerType: TriggerRequestCreated, Trigger: "item_received"}
	assert.True(t, rule.TriggerMismatch())
	rule.Trigger = "request-created"
	assert.False(t, rule.TriggerMismatch())
}

func TestEventSubscription_Matches(t *testing.T) {
	sub := &EventSubscription{
		EventType:    EventWorkflowFailed,
		WorkflowType: "procurement-trigger",
		Filter:       map[string]string{"site": "hq"},
		Active:       true,
	}
	assert.True(t, sub.Matches(EventWorkflowFailed, "procurement-trigger", map[string]any{"site": "hq"}))
	assert.False(t, sub.Matches(EventWorkflowFailed, "procurement-trigger", map[string]any{"site": "lab"}))
	assert.False(t, sub.Matches(EventWorkflowCompleted, "procurement-trigger", map[string]any{"site": "hq"}))

	sub.Active = false
	assert.False(t, sub.Matches(EventWorkflowFailed, "procurement-trigger", map[string]any{"site": "hq"}))
}
