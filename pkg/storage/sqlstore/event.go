package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/dao"
)

const eventColumns = `id, seq, instance_id, event_type, payload, occurred_at, actor, step_name,
	processed, processed_at, processing_result`

// 序号冲突时的最大重试次数
const appendEventRetries = 5

// AppendEvent 写入事件，序号在同一条语句中由 MAX(seq)+1 计算
func (s *Store) AppendEvent(ctx context.Context, ev *types.WorkflowEvent) error {
	row, err := dao.FromEvent(ev)
	if err != nil {
		return err
	}

	scope := "instance_id = ?"
	scopeArgs := []any{row.InstanceID}
	if !row.InstanceID.Valid {
		scope = "instance_id IS NULL"
		scopeArgs = nil
	}
	query := s.rebind(`INSERT INTO workflow_event (` + eventColumns + `)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM workflow_event WHERE ` + scope)
	args := append([]any{
		row.ID, row.InstanceID, row.EventType, row.Payload, row.OccurredAt, row.Actor, row.StepName,
		row.Processed, row.ProcessedAt, row.ProcessingResult,
	}, scopeArgs...)

	for attempt := 1; ; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) || attempt >= appendEventRetries {
			return fmt.Errorf("写入事件失败: %w", err)
		}
		s.log.WithField("attempt", attempt).Debug("事件序号冲突，重试")
	}

	if err := s.db.GetContext(ctx, &ev.Seq, s.rebind("SELECT seq FROM workflow_event WHERE id = ?"), row.ID); err != nil {
		return fmt.Errorf("读取事件序号失败: %w", err)
	}
	return nil
}

// GetEvent 查询事件
func (s *Store) GetEvent(ctx context.Context, id string) (*types.WorkflowEvent, error) {
	var row dao.WorkflowEventDAO
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+eventColumns+` FROM workflow_event WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "事件", id)
	}
	return row.ToEvent()
}

// MarkEventProcessed 条件更新，已处理的事件不会被覆盖
func (s *Store) MarkEventProcessed(ctx context.Context, id, result string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_event SET processed = ?, processed_at = ?, processing_result = ?
		WHERE id = ? AND processed = ?`), true, at.UTC(), result, id, false)
	if err != nil {
		return false, fmt.Errorf("标记事件 %s 已处理失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.rebind("SELECT COUNT(*) FROM workflow_event WHERE id = ?"), id); err != nil {
		return false, fmt.Errorf("查询事件失败: %w", err)
	}
	if count == 0 {
		return false, types.NewNotFoundError("MarkEventProcessed", fmt.Sprintf("事件 %s 不存在", id))
	}
	return false, nil
}

// ListEvents 同一实例内按序号升序，否则按时间升序
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*types.WorkflowEvent, error) {
	var where []string
	var args []any
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Processed != nil {
		where = append(where, "processed = ?")
		args = append(args, *filter.Processed)
	}
	query := "SELECT " + eventColumns + " FROM workflow_event"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.InstanceID != "" {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY occurred_at ASC, seq ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []dao.WorkflowEventDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	events := make([]*types.WorkflowEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].ToEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
