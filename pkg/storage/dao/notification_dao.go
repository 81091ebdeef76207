package dao

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// NotificationDAO notification表的数据访问对象（内部使用）
type NotificationDAO struct {
	ID          string       `db:"id"`
	Recipient   string       `db:"recipient"`
	Channel     string       `db:"channel"`
	Subject     string       `db:"subject"`
	Body        string       `db:"body"`
	Data        string       `db:"data"`
	EntityType  string       `db:"entity_type"`
	EntityID    string       `db:"entity_id"`
	EventID     string       `db:"event_id"`
	Priority    string       `db:"priority"`
	Status      string       `db:"status"`
	Attempts    int          `db:"attempts"`
	LastError   string       `db:"last_error"`
	Transient   bool         `db:"transient"`
	ReplayOf    string       `db:"replay_of"`
	CreatedAt   time.Time    `db:"created_at"`
	SentAt      sql.NullTime `db:"sent_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
	ReadAt      sql.NullTime `db:"read_at"`
	FailedAt    sql.NullTime `db:"failed_at"`
}

// EventSubscriptionDAO event_subscription表的数据访问对象（内部使用）
type EventSubscriptionDAO struct {
	ID              string    `db:"id"`
	EventType       string    `db:"event_type"`
	WorkflowType    string    `db:"workflow_type"`
	Filter          string    `db:"filter"`
	Recipients      string    `db:"recipients"`
	NotifyInitiator bool      `db:"notify_initiator"`
	Channel         string    `db:"channel"`
	SubjectTemplate string    `db:"subject_template"`
	BodyTemplate    string    `db:"body_template"`
	Priority        string    `db:"priority"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
}

// FromNotification 领域对象转换为DAO
func FromNotification(n *types.Notification) (*NotificationDAO, error) {
	data, err := marshalMap(n.Data)
	if err != nil {
		return nil, fmt.Errorf("序列化通知数据失败: %w", err)
	}
	return &NotificationDAO{
		ID:          n.ID,
		Recipient:   n.Recipient,
		Channel:     string(n.Channel),
		Subject:     n.Subject,
		Body:        n.Body,
		Data:        data,
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
		EventID:     n.EventID,
		Priority:    n.Priority,
		Status:      string(n.Status),
		Attempts:    n.Attempts,
		LastError:   n.LastError,
		Transient:   n.Transient,
		ReplayOf:    n.ReplayOf,
		CreatedAt:   n.CreatedAt.UTC(),
		SentAt:      nullTime(n.SentAt),
		DeliveredAt: nullTime(n.DeliveredAt),
		ReadAt:      nullTime(n.ReadAt),
		FailedAt:    nullTime(n.FailedAt),
	}, nil
}

// ToNotification DAO转换为领域对象
func (d *NotificationDAO) ToNotification() (*types.Notification, error) {
	data, err := unmarshalMap(d.Data)
	if err != nil {
		return nil, fmt.Errorf("解析通知 %s 数据失败: %w", d.ID, err)
	}
	return &types.Notification{
		ID:          d.ID,
		Recipient:   d.Recipient,
		Channel:     types.Channel(d.Channel),
		Subject:     d.Subject,
		Body:        d.Body,
		Data:        data,
		EntityType:  d.EntityType,
		EntityID:    d.EntityID,
		EventID:     d.EventID,
		Priority:    d.Priority,
		Status:      types.NotificationStatus(d.Status),
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		Transient:   d.Transient,
		ReplayOf:    d.ReplayOf,
		CreatedAt:   d.CreatedAt,
		SentAt:      timePtr(d.SentAt),
		DeliveredAt: timePtr(d.DeliveredAt),
		ReadAt:      timePtr(d.ReadAt),
		FailedAt:    timePtr(d.FailedAt),
	}, nil
}

// FromSubscription 领域对象转换为DAO
func FromSubscription(s *types.EventSubscription) (*EventSubscriptionDAO, error) {
	filter, err := marshalAny(s.Filter)
	if err != nil {
		return nil, fmt.Errorf("序列化订阅过滤条件失败: %w", err)
	}
	recipients, err := marshalAny(s.Recipients)
	if err != nil {
		return nil, fmt.Errorf("序列化订阅接收人失败: %w", err)
	}
	return &EventSubscriptionDAO{
		ID:              s.ID,
		EventType:       string(s.EventType),
		WorkflowType:    s.WorkflowType,
		Filter:          filter,
		Recipients:      recipients,
		NotifyInitiator: s.NotifyInitiator,
		Channel:         string(s.Channel),
		SubjectTemplate: s.SubjectTemplate,
		BodyTemplate:    s.BodyTemplate,
		Priority:        s.Priority,
		Active:          s.Active,
		CreatedAt:       s.CreatedAt.UTC(),
	}, nil
}

// ToSubscription DAO转换为领域对象
func (d *EventSubscriptionDAO) ToSubscription() (*types.EventSubscription, error) {
	var filter map[string]string
	if err := unmarshalAny(d.Filter, &filter); err != nil {
		return nil, fmt.Errorf("解析订阅 %s 过滤条件失败: %w", d.ID, err)
	}
	var recipients []string
	if err := unmarshalAny(d.Recipients, &recipients); err != nil {
		return nil, fmt.Errorf("解析订阅 %s 接收人失败: %w", d.ID, err)
	}
	return &types.EventSubscription{
		ID:              d.ID,
		EventType:       types.EventType(d.EventType),
		WorkflowType:    d.WorkflowType,
		Filter:          filter,
		Recipients:      recipients,
		NotifyInitiator: d.NotifyInitiator,
		Channel:         types.Channel(d.Channel),
		SubjectTemplate: d.SubjectTemplate,
		BodyTemplate:    d.BodyTemplate,
		Priority:        d.Priority,
		Active:          d.Active,
		CreatedAt:       d.CreatedAt,
	}, nil
}
