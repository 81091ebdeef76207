package dao

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// WorkflowEventDAO workflow_event表的数据访问对象（内部使用）
type WorkflowEventDAO struct {
	ID               string         `db:"id"`
	Seq              int64          `db:"seq"`
	InstanceID       sql.NullString `db:"instance_id"` // 规则事件为NULL
	EventType        string         `db:"event_type"`
	Payload          string         `db:"payload"` // JSON格式存储
	OccurredAt       time.Time      `db:"occurred_at"`
	Actor            string         `db:"actor"`
	StepName         string         `db:"step_name"`
	Processed        bool           `db:"processed"`
	ProcessedAt      sql.NullTime   `db:"processed_at"`
	ProcessingResult string         `db:"processing_result"`
}

// FromEvent 领域对象转换为DAO
func FromEvent(ev *types.WorkflowEvent) (*WorkflowEventDAO, error) {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("序列化事件载荷失败: %w", err)
	}
	return &WorkflowEventDAO{
		ID:               ev.ID,
		Seq:              ev.Seq,
		InstanceID:       nullString(ev.InstanceID),
		EventType:        string(ev.Type),
		Payload:          payload,
		OccurredAt:       ev.Timestamp.UTC(),
		Actor:            ev.Actor,
		StepName:         ev.StepName,
		Processed:        ev.Processed,
		ProcessedAt:      nullTime(ev.ProcessedAt),
		ProcessingResult: ev.ProcessingResult,
	}, nil
}

// ToEvent DAO转换为领域对象
func (d *WorkflowEventDAO) ToEvent() (*types.WorkflowEvent, error) {
	payload, err := unmarshalMap(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("解析事件 %s 载荷失败: %w", d.ID, err)
	}
	return &types.WorkflowEvent{
		ID:               d.ID,
		Seq:              d.Seq,
		InstanceID:       d.InstanceID.String,
		Type:             types.EventType(d.EventType),
		Payload:          payload,
		Timestamp:        d.OccurredAt,
		Actor:            d.Actor,
		StepName:         d.StepName,
		Processed:        d.Processed,
		ProcessedAt:      timePtr(d.ProcessedAt),
		ProcessingResult: d.ProcessingResult,
	}, nil
}
