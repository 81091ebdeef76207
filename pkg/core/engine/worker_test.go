package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

func TestWorkerPool_DrivesInstancesToCompletion(t *testing.T) {
	h := newHarness(t)
	pool := NewWorkerPool(h.orch, WorkerPoolOptions{Workers: 2, QueueSize: 8})
	pool.Start()
	defer pool.Stop(time.Second)

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		ids = append(ids, h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.WaitIdle(ctx))

	for _, id := range ids {
		snap, err := h.orch.Query(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceCompleted, snap.Instance.Status)
	}
	assert.Equal(t, 2, h.backend.StockOf("ITEM-1"))
}

func TestWorkerPool_DeferredCancelIsPickedUp(t *testing.T) {
	h := newHarness(t)
	gate := newGateHandler()
	require.NoError(t, h.registry.Replace(gate))
	pool := NewWorkerPool(h.orch, WorkerPoolOptions{Workers: 1, RequeueDelay: 5 * time.Millisecond})
	pool.Start()
	defer pool.Stop(time.Second)

	id := h.start(t, "three-step", map[string]any{"item_id": "ITEM-1", "request_id": "REQ-1"})
	<-gate.entered

	snap, err := h.orch.Cancel(context.Background(), id, "alice", "撤销")
	require.NoError(t, err)
	assert.True(t, snap.Instance.CancelRequested)
	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.WaitIdle(ctx))

	snap, err = h.orch.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, snap.Instance.Status)
	assert.Equal(t, 10, h.backend.StockOf("ITEM-1"))
}

func TestWorkerPool_StopRejectsNewWork(t *testing.T) {
	h := newHarness(t)
	pool := NewWorkerPool(h.orch, WorkerPoolOptions{Workers: 1})
	pool.Start()
	pool.Stop(time.Second)

	pool.Submit("anything")
	assert.True(t, pool.Idle())
}
