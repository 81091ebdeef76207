// Package memory 协作模块的内存实现，用于嵌入式运行、演示和测试
// 状态变化时通过 EventPublisher 发出领域事件
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

type item struct {
	quantity     int
	reorderLevel int
}

// Procurement 内存中的采购申请
type Procurement struct {
	ID        string
	Spec      collaborator.ProcurementSpec
	Cancelled bool
}

// Backend 四个协作接口的内存实现（对外导出）
type Backend struct {
	mu           sync.Mutex
	assets       map[string]string
	items        map[string]*item
	reservations map[string]collaborator.Reservation
	requests     map[string]string
	procurements map[string]*Procurement
	procByKey    map[string]string
	failures     map[string][]error
	calls        map[string]int

	publisher collaborator.EventPublisher
	log       *logrus.Entry
}

var (
	_ collaborator.AssetService       = (*Backend)(nil)
	_ collaborator.InventoryService   = (*Backend)(nil)
	_ collaborator.RequestService     = (*Backend)(nil)
	_ collaborator.ProcurementService = (*Backend)(nil)
)

// New 创建内存后端，publisher 可为空
func New(publisher collaborator.EventPublisher) *Backend {
	return &Backend{
		assets:       make(map[string]string),
		items:        make(map[string]*item),
		reservations: make(map[string]collaborator.Reservation),
		requests:     make(map[string]string),
		procurements: make(map[string]*Procurement),
		procByKey:    make(map[string]string),
		failures:     make(map[string][]error),
		calls:        make(map[string]int),
		publisher:    publisher,
		log:          logging.WithModule("collaborator.memory"),
	}
}

// Services 以同一后端填充全部协作接口
func (b *Backend) Services() collaborator.Services {
	return collaborator.Services{Assets: b, Inventory: b, Requests: b, Procurement: b}
}

// SetPublisher 设置事件出口
func (b *Backend) SetPublisher(p collaborator.EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisher = p
}

// PutAsset 预置资产
func (b *Backend) PutAsset(id, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets[id] = status
}

// PutItem 预置库存
func (b *Backend) PutItem(id string, quantity, reorderLevel int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[id] = &item{quantity: quantity, reorderLevel: reorderLevel}
}

// PutRequest 预置申请
func (b *Backend) PutRequest(id, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests[id] = status
}

// CreateRequest 新建申请并发出 RequestCreated 事件
func (b *Backend) CreateRequest(ctx context.Context, id, requester string, payload map[string]any) {
	b.PutRequest(id, "submitted")
	data := map[string]any{"request_id": id, "requester": requester, "status": "submitted"}
	for k, v := range payload {
		data[k] = v
	}
	b.emit(ctx, types.TriggerRequestCreated, requester, data)
}

// FailNext 让 op 的下一次调用返回 err，可多次调用排队
// op 取方法名，如 "ReserveStock"
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// Calls 返回 op 的调用次数
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// StockOf 返回当前库存数量
func (b *Backend) StockOf(itemID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if it, ok := b.items[itemID]; ok {
		return it.quantity
	}
	return 0
}

// Procurements 返回全部采购申请
func (b *Backend) Procurements() []Procurement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Procurement, 0, len(b.procurements))
	for _, p := range b.procurements {
		out = append(out, *p)
	}
	return out
}

// enter 记录调用并弹出注入的失败，调用方需持有锁
func (b *Backend) enter(op string) error {
	b.calls[op]++
	queue := b.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	b.failures[op] = queue[1:]
	return err
}

func (b *Backend) GetAssetStatus(ctx context.Context, assetID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetAssetStatus"); err != nil {
		return "", err
	}
	status, ok := b.assets[assetID]
	if !ok {
		return "", types.NewPermanentError("GetAssetStatus", fmt.Errorf("资产 %s 不存在", assetID))
	}
	return status, nil
}

func (b *Backend) SetAssetStatus(ctx context.Context, assetID, status, actor string) error {
	b.mu.Lock()
	if err := b.enter("SetAssetStatus"); err != nil {
		b.mu.Unlock()
		return err
	}
	previous, ok := b.assets[assetID]
	if !ok {
		b.mu.Unlock()
		return types.NewPermanentError("SetAssetStatus", fmt.Errorf("资产 %s 不存在", assetID))
	}
	b.assets[assetID] = status
	b.mu.Unlock()

	if previous != status {
		b.emit(ctx, types.TriggerAssetStatusChanged, actor, map[string]any{
			"asset_id":        assetID,
			"previous_status": previous,
			"status":          status,
		})
	}
	return nil
}

func (b *Backend) GetStockLevel(ctx context.Context, itemID string) (collaborator.StockLevel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetStockLevel"); err != nil {
		return collaborator.StockLevel{}, err
	}
	it, ok := b.items[itemID]
	if !ok {
		return collaborator.StockLevel{}, types.NewPermanentError("GetStockLevel", fmt.Errorf("库存项 %s 不存在", itemID))
	}
	return collaborator.StockLevel{ItemID: itemID, Quantity: it.quantity, ReorderLevel: it.reorderLevel}, nil
}

func (b *Backend) ReserveStock(ctx context.Context, itemID string, quantity int, key string) (collaborator.Reservation, error) {
	b.mu.Lock()
	if err := b.enter("ReserveStock"); err != nil {
		b.mu.Unlock()
		return collaborator.Reservation{}, err
	}
	if r, ok := b.reservations[key]; ok {
		b.mu.Unlock()
		return r, nil
	}
	it, ok := b.items[itemID]
	if !ok {
		b.mu.Unlock()
		return collaborator.Reservation{}, types.NewPermanentError("ReserveStock", fmt.Errorf("库存项 %s 不存在", itemID))
	}
	if quantity <= 0 || it.quantity < quantity {
		b.mu.Unlock()
		return collaborator.Reservation{}, types.NewPermanentError("ReserveStock",
			fmt.Errorf("库存项 %s 库存不足: 需要 %d, 现有 %d", itemID, quantity, it.quantity))
	}
	it.quantity -= quantity
	r := collaborator.Reservation{ID: uuid.NewString(), ItemID: itemID, Quantity: quantity, Key: key}
	b.reservations[key] = r
	reached := it.quantity <= it.reorderLevel
	level := collaborator.StockLevel{ItemID: itemID, Quantity: it.quantity, ReorderLevel: it.reorderLevel}
	b.mu.Unlock()

	if reached {
		b.emit(ctx, types.TriggerStockLevelReached, "inventory", map[string]any{
			"item_id":       level.ItemID,
			"quantity":      level.Quantity,
			"reorder_level": level.ReorderLevel,
		})
	}
	return r, nil
}

func (b *Backend) ReleaseStock(ctx context.Context, itemID, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ReleaseStock"); err != nil {
		return err
	}
	r, ok := b.reservations[key]
	if !ok {
		return nil
	}
	if it, ok := b.items[r.ItemID]; ok {
		it.quantity += r.Quantity
	}
	delete(b.reservations, key)
	return nil
}

func (b *Backend) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetRequestStatus"); err != nil {
		return "", err
	}
	status, ok := b.requests[requestID]
	if !ok {
		return "", types.NewPermanentError("GetRequestStatus", fmt.Errorf("申请 %s 不存在", requestID))
	}
	return status, nil
}

func (b *Backend) SetRequestStatus(ctx context.Context, requestID, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("SetRequestStatus"); err != nil {
		return err
	}
	if _, ok := b.requests[requestID]; !ok {
		return types.NewPermanentError("SetRequestStatus", fmt.Errorf("申请 %s 不存在", requestID))
	}
	b.requests[requestID] = status
	return nil
}

func (b *Backend) CreateProcurementRequest(ctx context.Context, spec collaborator.ProcurementSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateProcurementRequest"); err != nil {
		return "", err
	}
	if spec.ItemID == "" || spec.Quantity <= 0 {
		return "", types.NewPermanentError("CreateProcurementRequest", fmt.Errorf("采购申请缺少库存项或数量"))
	}
	if spec.IdempotencyKey != "" {
		if id, ok := b.procByKey[spec.IdempotencyKey]; ok {
			return id, nil
		}
	}
	id := "PR-" + uuid.NewString()[:8]
	b.procurements[id] = &Procurement{ID: id, Spec: spec}
	if spec.IdempotencyKey != "" {
		b.procByKey[spec.IdempotencyKey] = id
	}
	return id, nil
}

func (b *Backend) CancelProcurementRequest(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CancelProcurementRequest"); err != nil {
		return err
	}
	p, ok := b.procurements[id]
	if !ok {
		return types.NewPermanentError("CancelProcurementRequest", fmt.Errorf("采购申请 %s 不存在", id))
	}
	p.Cancelled = true
	return nil
}

func (b *Backend) emit(ctx context.Context, trigger types.TriggerType, actor string, payload map[string]any) {
	b.mu.Lock()
	pub := b.publisher
	b.mu.Unlock()
	if pub == nil {
		return
	}
	ev := types.DomainEvent{Type: trigger, Source: "memory", Actor: actor, Payload: payload}
	if err := pub.PublishDomainEvent(ctx, ev); err != nil {
		b.log.WithError(err).WithField("trigger", trigger).Warn("⚠️ [协作模块] 发布领域事件失败")
	}
}
