package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/dao"
)

const notificationColumns = `id, recipient, channel, subject, body, data, entity_type, entity_id, event_id,
	priority, status, attempts, last_error, transient, replay_of, created_at, sent_at, delivered_at, read_at, failed_at`

const subscriptionColumns = `id, event_type, workflow_type, filter, recipients, notify_initiator, channel,
	subject_template, body_template, priority, active, created_at`

// CreateNotification 保存通知
func (s *Store) CreateNotification(ctx context.Context, n *types.Notification) error {
	row, err := dao.FromNotification(n)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO notification (`+notificationColumns+`) VALUES (
		:id, :recipient, :channel, :subject, :body, :data, :entity_type, :entity_id, :event_id,
		:priority, :status, :attempts, :last_error, :transient, :replay_of, :created_at, :sent_at, :delivered_at, :read_at, :failed_at)`, row); err != nil {
		return fmt.Errorf("保存通知失败: %w", err)
	}
	return nil
}

// GetNotification 查询通知
func (s *Store) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	var row dao.NotificationDAO
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+notificationColumns+` FROM notification WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "通知", id)
	}
	return row.ToNotification()
}

// UpdateNotification 仅当库中状态等于 expected 时更新
func (s *Store) UpdateNotification(ctx context.Context, n *types.Notification, expected types.NotificationStatus) error {
	row, err := dao.FromNotification(n)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE notification SET
		status = ?, attempts = ?, last_error = ?, transient = ?,
		sent_at = ?, delivered_at = ?, read_at = ?, failed_at = ?
		WHERE id = ? AND status = ?`),
		row.Status, row.Attempts, row.LastError, row.Transient,
		row.SentAt, row.DeliveredAt, row.ReadAt, row.FailedAt,
		row.ID, string(expected))
	if err != nil {
		return fmt.Errorf("更新通知 %s 失败: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetNotification(ctx, n.ID); err != nil {
		return err
	}
	return types.NewConflictError("UpdateNotification", fmt.Sprintf("通知 %s 状态已不是 %s", n.ID, expected))
}

// ListNotifications 按创建时间升序返回
func (s *Store) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*types.Notification, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Recipient != "" {
		where = append(where, "recipient = ?")
		args = append(args, filter.Recipient)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(filter.Channel))
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.TransientOnly {
		where = append(where, "transient = ?")
		args = append(args, true)
	}
	query := "SELECT " + notificationColumns + " FROM notification"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []dao.NotificationDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询通知失败: %w", err)
	}
	list := make([]*types.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].ToNotification()
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, nil
}

// CreateSubscription 保存事件订阅
func (s *Store) CreateSubscription(ctx context.Context, sub *types.EventSubscription) error {
	row, err := dao.FromSubscription(sub)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO event_subscription (`+subscriptionColumns+`) VALUES (
		:id, :event_type, :workflow_type, :filter, :recipients, :notify_initiator, :channel,
		:subject_template, :body_template, :priority, :active, :created_at)`, row); err != nil {
		return fmt.Errorf("保存订阅失败: %w", err)
	}
	return nil
}

// ListSubscriptions eventType 为空时返回全部，否则包含通配订阅
func (s *Store) ListSubscriptions(ctx context.Context, eventType types.EventType) ([]*types.EventSubscription, error) {
	query := "SELECT " + subscriptionColumns + " FROM event_subscription"
	var args []any
	if eventType != "" {
		query += " WHERE event_type = ? OR event_type = ?"
		args = append(args, string(eventType), "*")
	}
	query += " ORDER BY created_at ASC, id ASC"

	var rows []dao.EventSubscriptionDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询订阅失败: %w", err)
	}
	list := make([]*types.EventSubscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].ToSubscription()
		if err != nil {
			return nil, err
		}
		list = append(list, sub)
	}
	return list, nil
}

// DeleteSubscription 删除事件订阅
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM event_subscription WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("删除订阅 %s 失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError("DeleteSubscription", fmt.Sprintf("订阅 %s 不存在", id))
	}
	return nil
}
