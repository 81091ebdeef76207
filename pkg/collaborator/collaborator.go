// Package collaborator 引擎依赖的外部业务模块接口
// 资产、库存、申请、采购的记录由各自模块持有，引擎只通过以下窄接口访问
package collaborator

import (
	"context"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// EventPublisher 协作模块发出领域事件的出口
type EventPublisher interface {
	PublishDomainEvent(ctx context.Context, ev types.DomainEvent) error
}

// StockLevel 库存水位
type StockLevel struct {
	ItemID       string `json:"item_id"`
	Quantity     int    `json:"quantity"`
	ReorderLevel int    `json:"reorder_level"`
}

// Reservation 库存预留结果
type Reservation struct {
	ID       string `json:"id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	Key      string `json:"key"`
}

// ProcurementSpec 采购申请内容
type ProcurementSpec struct {
	ItemID         string         `json:"item_id"`
	Quantity       int            `json:"quantity"`
	VendorID       string         `json:"vendor_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// AssetService 资产模块
type AssetService interface {
	GetAssetStatus(ctx context.Context, assetID string) (string, error)
	SetAssetStatus(ctx context.Context, assetID, status, actor string) error
}

// InventoryService 库存模块，ReserveStock 按 key 幂等
type InventoryService interface {
	GetStockLevel(ctx context.Context, itemID string) (StockLevel, error)
	ReserveStock(ctx context.Context, itemID string, quantity int, key string) (Reservation, error)
	ReleaseStock(ctx context.Context, itemID, key string) error
}

// RequestService 申请模块
type RequestService interface {
	GetRequestStatus(ctx context.Context, requestID string) (string, error)
	SetRequestStatus(ctx context.Context, requestID, status string) error
}

// ProcurementService 采购模块
type ProcurementService interface {
	CreateProcurementRequest(ctx context.Context, spec ProcurementSpec) (string, error)
	CancelProcurementRequest(ctx context.Context, id string) error
}

// Services 协作模块集合
type Services struct {
	Assets      AssetService
	Inventory   InventoryService
	Requests    RequestService
	Procurement ProcurementService
}
