package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(ctx context.Context, ev types.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestReserveStock_IdempotentByKeyAndEmitsThreshold(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(pub)
	b.PutItem("ITEM-1", 10, 5)
	ctx := context.Background()

	r1, err := b.ReserveStock(ctx, "ITEM-1", 6, "inst:1")
	require.NoError(t, err)
	r2, err := b.ReserveStock(ctx, "ITEM-1", 6, "inst:1")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, 4, b.StockOf("ITEM-1"))

	require.Len(t, pub.events, 1)
	assert.Equal(t, types.TriggerStockLevelReached, pub.events[0].Type)
	assert.Equal(t, 4, pub.events[0].Payload["quantity"])

	_, err = b.ReserveStock(ctx, "ITEM-1", 100, "inst:2")
	assert.ErrorIs(t, err, types.ErrPermanent)

	require.NoError(t, b.ReleaseStock(ctx, "ITEM-1", "inst:1"))
	require.NoError(t, b.ReleaseStock(ctx, "ITEM-1", "inst:1"))
	assert.Equal(t, 10, b.StockOf("ITEM-1"))
}

func TestSetAssetStatus_EmitsChange(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(pub)
	b.PutAsset("A-1", "in_stock")
	ctx := context.Background()

	require.NoError(t, b.SetAssetStatus(ctx, "A-1", "assigned", "alice"))
	require.NoError(t, b.SetAssetStatus(ctx, "A-1", "assigned", "alice"))
	status, err := b.GetAssetStatus(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "assigned", status)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "in_stock", pub.events[0].Payload["previous_status"])

	assert.ErrorIs(t, b.SetAssetStatus(ctx, "missing", "x", "alice"), types.ErrPermanent)
}

func TestFailNext_InjectsQueuedErrors(t *testing.T) {
	b := New(nil)
	b.PutRequest("REQ-1", "submitted")
	ctx := context.Background()

	b.FailNext("SetRequestStatus", types.NewTransientError("SetRequestStatus", assert.AnError))
	err := b.SetRequestStatus(ctx, "REQ-1", "approved")
	assert.ErrorIs(t, err, types.ErrTransient)
	require.NoError(t, b.SetRequestStatus(ctx, "REQ-1", "approved"))
	assert.Equal(t, 2, b.Calls("SetRequestStatus"))
}

func TestProcurement_IdempotentAndCancel(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	spec := collaborator.ProcurementSpec{ItemID: "ITEM-1", Quantity: 20, IdempotencyKey: "rule:ev-1"}

	id1, err := b.CreateProcurementRequest(ctx, spec)
	require.NoError(t, err)
	id2, err := b.CreateProcurementRequest(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, b.Procurements(), 1)

	require.NoError(t, b.CancelProcurementRequest(ctx, id1))
	assert.True(t, b.Procurements()[0].Cancelled)

	_, err = b.CreateProcurementRequest(ctx, collaborator.ProcurementSpec{})
	assert.ErrorIs(t, err, types.ErrPermanent)
}
