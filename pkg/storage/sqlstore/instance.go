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

const instanceColumns = `id, workflow_type, status, initiator, start_time, end_time, updated_at,
	configuration, current_step, total_steps, error_message, compensation_data,
	compensation_state, cancel_requested, cancel_reason, archived, version`

const stepColumns = `id, instance_id, name, kind, step_order, status, start_time, end_time,
	input, output, error_message, compensation, executor, attempts, version`

// CreateInstance 在一个事务中写入实例和全部步骤
func (s *Store) CreateInstance(ctx context.Context, inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance) error {
	instDAO, err := dao.FromInstance(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `INSERT INTO workflow_instance (`+instanceColumns+`) VALUES (
		:id, :workflow_type, :status, :initiator, :start_time, :end_time, :updated_at,
		:configuration, :current_step, :total_steps, :error_message, :compensation_data,
		:compensation_state, :cancel_requested, :cancel_reason, :archived, :version)`, instDAO); err != nil {
		return fmt.Errorf("保存实例失败: %w", err)
	}

	for _, step := range steps {
		stepDAO, err := dao.FromStep(step)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO workflow_step (`+stepColumns+`) VALUES (
			:id, :instance_id, :name, :kind, :step_order, :status, :start_time, :end_time,
			:input, :output, :error_message, :compensation, :executor, :attempts, :version)`, stepDAO); err != nil {
			return fmt.Errorf("保存步骤 %s 失败: %w", step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// GetInstance 查询实例
func (s *Store) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	var row dao.WorkflowInstanceDAO
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+instanceColumns+` FROM workflow_instance WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "实例", id)
	}
	return row.ToInstance()
}

// UpdateInstance 按版本号更新实例
func (s *Store) UpdateInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	row, err := dao.FromInstance(inst)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE workflow_instance SET
		status = :status, end_time = :end_time, updated_at = :updated_at,
		configuration = :configuration, current_step = :current_step, total_steps = :total_steps,
		error_message = :error_message, compensation_data = :compensation_data,
		compensation_state = :compensation_state, archived = :archived,
		version = version + 1
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		return fmt.Errorf("更新实例 %s 失败: %w", inst.ID, err)
	}
	if err := s.checkAffected(ctx, res, "workflow_instance", inst.ID, "UpdateInstance"); err != nil {
		return err
	}
	inst.Version++
	return nil
}

// RequestCancel 记录取消请求
func (s *Store) RequestCancel(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflow_instance SET cancel_requested = ?, cancel_reason = ? WHERE id = ?`), true, reason, id)
	if err != nil {
		return fmt.Errorf("记录取消请求失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError("RequestCancel", fmt.Sprintf("实例 %s 不存在", id))
	}
	return nil
}

// ListInstances 按条件查询实例，按开始时间倒序
func (s *Store) ListInstances(ctx context.Context, filter storage.InstanceFilter) ([]*types.WorkflowInstance, int, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived = ?")
		args = append(args, false)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(*) FROM workflow_instance"+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("统计实例失败: %w", err)
	}

	query := "SELECT " + instanceColumns + " FROM workflow_instance" + clause + " ORDER BY start_time DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	var rows []dao.WorkflowInstanceDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("查询实例失败: %w", err)
	}
	result := make([]*types.WorkflowInstance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].ToInstance()
		if err != nil {
			return nil, 0, err
		}
		result = append(result, inst)
	}
	return result, total, nil
}

// ListSteps 按序号升序返回步骤
func (s *Store) ListSteps(ctx context.Context, instanceID string) ([]*types.WorkflowStepInstance, error) {
	var rows []dao.WorkflowStepDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT `+stepColumns+` FROM workflow_step WHERE instance_id = ? ORDER BY step_order ASC`), instanceID); err != nil {
		return nil, fmt.Errorf("查询实例 %s 的步骤失败: %w", instanceID, err)
	}
	steps := make([]*types.WorkflowStepInstance, 0, len(rows))
	for i := range rows {
		step, err := rows[i].ToStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// UpdateStep 按版本号更新步骤
func (s *Store) UpdateStep(ctx context.Context, step *types.WorkflowStepInstance) error {
	row, err := dao.FromStep(step)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE workflow_step SET
		status = :status, start_time = :start_time, end_time = :end_time,
		input = :input, output = :output, error_message = :error_message,
		compensation = :compensation, executor = :executor, attempts = :attempts,
		version = version + 1
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		return fmt.Errorf("更新步骤 %s 失败: %w", step.Name, err)
	}
	if err := s.checkAffected(ctx, res, "workflow_step", step.ID, "UpdateStep"); err != nil {
		return err
	}
	step.Version++
	return nil
}

// ArchiveInstance 归档终态实例
func (s *Store) ArchiveInstance(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() {
		return types.NewValidationError("ArchiveInstance", fmt.Sprintf("实例 %s 状态为 %s，只能归档终态实例", id, inst.Status))
	}
	inst.Archived = true
	inst.UpdatedAt = time.Now().UTC()
	return s.UpdateInstance(ctx, inst)
}
