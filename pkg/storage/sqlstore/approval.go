package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage/dao"
)

const approvalColumns = `id, source, rule_id, event_id, instance_id, step_name, actions, payload, status,
	requested_at, decided_at, decided_by, comment`

// CreateApproval 保存审批项
func (s *Store) CreateApproval(ctx context.Context, a *types.Approval) error {
	row, err := dao.FromApproval(a)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO approval (`+approvalColumns+`) VALUES (
		:id, :source, :rule_id, :event_id, :instance_id, :step_name, :actions, :payload, :status,
		:requested_at, :decided_at, :decided_by, :comment)`, row); err != nil {
		return fmt.Errorf("保存审批项失败: %w", err)
	}
	return nil
}

// GetApproval 查询审批项
func (s *Store) GetApproval(ctx context.Context, id string) (*types.Approval, error) {
	var row dao.ApprovalDAO
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+approvalColumns+` FROM approval WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "审批项", id)
	}
	return row.ToApproval()
}

// ListApprovals 按申请时间升序返回
func (s *Store) ListApprovals(ctx context.Context, status types.ApprovalStatus, source types.ApprovalSource) ([]*types.Approval, error) {
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	if source != "" {
		where = append(where, "source = ?")
		args = append(args, string(source))
	}
	query := "SELECT " + approvalColumns + " FROM approval"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, id ASC"
	return s.selectApprovals(ctx, query, args...)
}

// FindPendingApproval 查找实例某个审批关卡的待审批项
func (s *Store) FindPendingApproval(ctx context.Context, instanceID, stepName string) (*types.Approval, error) {
	list, err := s.selectApprovals(ctx, `SELECT `+approvalColumns+` FROM approval
		WHERE instance_id = ? AND step_name = ? AND status = ? ORDER BY requested_at DESC`,
		instanceID, stepName, string(types.ApprovalPending))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, types.NewNotFoundError("FindPendingApproval",
			fmt.Sprintf("实例 %s 的步骤 %s 没有待审批项", instanceID, stepName))
	}
	return list[0], nil
}

// DecideApproval 只能从 pending 转换
func (s *Store) DecideApproval(ctx context.Context, id string, status types.ApprovalStatus, actor, comment string, at time.Time) error {
	if status != types.ApprovalApproved && status != types.ApprovalRejected {
		return types.NewValidationError("DecideApproval", fmt.Sprintf("无效的审批结果: %s", status))
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE approval SET
		status = ?, decided_at = ?, decided_by = ?, comment = ?
		WHERE id = ? AND status = ?`),
		string(status), at.UTC(), actor, comment, id, string(types.ApprovalPending))
	if err != nil {
		return fmt.Errorf("更新审批项 %s 失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetApproval(ctx, id); err != nil {
		return err
	}
	return types.NewConflictError("DecideApproval", fmt.Sprintf("审批项 %s 已处理", id))
}

func (s *Store) selectApprovals(ctx context.Context, query string, args ...any) ([]*types.Approval, error) {
	var rows []dao.ApprovalDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询审批项失败: %w", err)
	}
	list := make([]*types.Approval, 0, len(rows))
	for i := range rows {
		a, err := rows[i].ToApproval()
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}
