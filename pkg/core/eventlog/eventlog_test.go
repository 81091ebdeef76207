package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/sqlite"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

func setupLog(t *testing.T) (*Log, *sqlstore.Store) {
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "events.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestRecord_AssignsIDTimestampAndSeq(t *testing.T) {
	l, _ := setupLog(t)
	ctx := context.Background()

	var got []*types.WorkflowEvent
	for _, et := range []types.EventType{types.EventWorkflowStarted, types.EventStepStarted, types.EventStepCompleted} {
		ev := &types.WorkflowEvent{InstanceID: "inst-1", Type: et, Actor: "alice"}
		require.NoError(t, l.Record(ctx, ev))
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		got = append(got, ev)
	}
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(3), got[2].Seq)

	events, err := l.ForInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventStepCompleted, events[2].Type)
}

func TestRecord_RejectsEmptyType(t *testing.T) {
	l, _ := setupLog(t)
	err := l.Record(context.Background(), &types.WorkflowEvent{InstanceID: "inst-1"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRecord_NotifiesListenersAsync(t *testing.T) {
	l, _ := setupLog(t)

	var mu sync.Mutex
	var seen []types.EventType
	l.Subscribe(func(ctx context.Context, ev *types.WorkflowEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})
	l.Subscribe(func(ctx context.Context, ev *types.WorkflowEvent) {
		panic("listener failure must not reach the caller")
	})

	require.NoError(t, l.Record(context.Background(), &types.WorkflowEvent{InstanceID: "i", Type: types.EventWorkflowCompleted}))
	l.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.EventType{types.EventWorkflowCompleted}, seen)
}

func TestMarkProcessed_AtMostOnce(t *testing.T) {
	l, _ := setupLog(t)
	ctx := context.Background()

	ev := &types.WorkflowEvent{Type: types.EventTriggered}
	require.NoError(t, l.Record(ctx, ev))

	require.NoError(t, l.MarkProcessed(ctx, ev.ID, "notified 2"))
	require.NoError(t, l.MarkProcessed(ctx, ev.ID, "notified again"))

	loaded, err := l.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Processed)
	assert.Equal(t, "notified 2", loaded.ProcessingResult)
	assert.NotNil(t, loaded.ProcessedAt)

	assert.ErrorIs(t, l.MarkProcessed(ctx, "missing", ""), types.ErrNotFound)

	processed := true
	list, err := l.List(ctx, storage.EventFilter{Processed: &processed})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
