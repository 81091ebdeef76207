package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 */5 * * * *"))
	assert.NoError(t, ValidateSchedule("@every 10s"))
	assert.ErrorIs(t, ValidateSchedule("*/5 * * * *"), types.ErrValidation)
	assert.ErrorIs(t, ValidateSchedule("whenever"), types.ErrValidation)
}

func TestScheduler_SyncAddsAndRemovesEntries(t *testing.T) {
	s := NewScheduler(func(ctx context.Context, ev types.DomainEvent) error { return nil }, nil)
	rules := []*types.AutomationRule{
		{ID: "r1", Name: "nightly", Active: true, TriggerType: types.TriggerScheduledInterval, Schedule: "0 0 2 * * *"},
		{ID: "r2", Name: "hourly", Active: true, TriggerType: types.TriggerScheduledInterval, Schedule: "0 0 * * * *"},
		{ID: "r3", Name: "event", Active: true, TriggerType: types.TriggerItemReceived},
	}
	require.NoError(t, s.Sync(rules))
	assert.ElementsMatch(t, []string{"r1", "r2"}, s.Entries())

	rules[1].Active = false
	require.NoError(t, s.Sync(rules))
	assert.Equal(t, []string{"r1"}, s.Entries())
}

func TestScheduler_FiresSyntheticEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		events []types.DomainEvent
	)
	s := NewScheduler(func(ctx context.Context, ev types.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}, time.UTC)
	require.NoError(t, s.Sync([]*types.AutomationRule{
		{ID: "r1", Name: "every-second", Active: true, TriggerType: types.TriggerScheduledInterval, Schedule: "* * * * * *"},
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.TriggerScheduledInterval, events[0].Type)
	assert.Equal(t, "r1", events[0].RuleID)
}

func TestEngine_ScheduledRuleSyncsOnCreateAndDisable(t *testing.T) {
	h := newRulesHarness(t)
	ctx := context.Background()
	s := NewScheduler(func(ctx context.Context, ev types.DomainEvent) error { return nil }, nil)
	h.engine.SetScheduler(s)

	rule, err := h.engine.CreateRule(ctx, &types.AutomationRule{
		Name:        "weekly-audit",
		Active:      true,
		TriggerType: types.TriggerScheduledInterval,
		Schedule:    "0 0 9 * * MON",
		Actions: []types.Action{{Kind: types.ActionNotify, Params: map[string]any{
			"recipients": []any{"auditor"}, "subject": "每周盘点",
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rule.ID}, s.Entries())

	res, err := h.engine.Trigger(ctx, rule.ID, "admin", nil)
	require.NoError(t, err)
	require.Len(t, res.Firings, 1)
	assert.True(t, res.Firings[0].Success)

	_, err = h.engine.DisableRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, s.Entries())
}
