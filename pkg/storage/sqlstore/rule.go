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

const ruleColumns = `id, name, description, active, trigger_type, trigger_text, schedule, conditions, actions,
	created_by, created_at, updated_at, execution_count, failure_count, last_executed_at, last_outcome,
	priority, category, requires_approval, version`

const logColumns = `id, rule_id, event_id, executed_at, success, error_message, executed_by, action_taken, detail`

// CreateRule 保存规则，名称重复时返回校验错误
func (s *Store) CreateRule(ctx context.Context, rule *types.AutomationRule) error {
	row, err := dao.FromRule(rule)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO automation_rule (`+ruleColumns+`) VALUES (
		:id, :name, :description, :active, :trigger_type, :trigger_text, :schedule, :conditions, :actions,
		:created_by, :created_at, :updated_at, :execution_count, :failure_count, :last_executed_at, :last_outcome,
		:priority, :category, :requires_approval, :version)`, row); err != nil {
		if isUniqueViolation(err) {
			return types.NewValidationError("CreateRule", fmt.Sprintf("规则名称 %s 已存在", rule.Name))
		}
		return fmt.Errorf("保存规则失败: %w", err)
	}
	return nil
}

// UpdateRule 按版本号更新规则定义
func (s *Store) UpdateRule(ctx context.Context, rule *types.AutomationRule) error {
	row, err := dao.FromRule(rule)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE automation_rule SET
		name = :name, description = :description, active = :active,
		trigger_type = :trigger_type, trigger_text = :trigger_text, schedule = :schedule,
		conditions = :conditions, actions = :actions, updated_at = :updated_at,
		priority = :priority, category = :category, requires_approval = :requires_approval,
		version = version + 1
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewValidationError("UpdateRule", fmt.Sprintf("规则名称 %s 已存在", rule.Name))
		}
		return fmt.Errorf("更新规则 %s 失败: %w", rule.ID, err)
	}
	if err := s.checkAffected(ctx, res, "automation_rule", rule.ID, "UpdateRule"); err != nil {
		return err
	}
	rule.Version++
	return nil
}

// GetRule 查询规则
func (s *Store) GetRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	var row dao.AutomationRuleDAO
	if err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+ruleColumns+` FROM automation_rule WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "规则", id)
	}
	return row.ToRule()
}

// ListRules 按优先级降序、名称升序返回规则
func (s *Store) ListRules(ctx context.Context, filter storage.RuleFilter) ([]*types.AutomationRule, error) {
	var where []string
	var args []any
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	query := "SELECT " + ruleColumns + " FROM automation_rule"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, name ASC"

	var rows []dao.AutomationRuleDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询规则失败: %w", err)
	}
	rules := make([]*types.AutomationRule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].ToRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// SetRuleActive 启用或停用规则
func (s *Store) SetRuleActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE automation_rule SET active = ?, updated_at = ?, version = version + 1 WHERE id = ?`),
		active, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("更新规则 %s 状态失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError("SetRuleActive", fmt.Sprintf("规则 %s 不存在", id))
	}
	return nil
}

// DeleteRule 删除规则，执行日志保留
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM automation_rule WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("删除规则 %s 失败: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError("DeleteRule", fmt.Sprintf("规则 %s 不存在", id))
	}
	return nil
}

// RecordRuleExecution 在数据库端累加计数，避免并发评估时丢失更新
func (s *Store) RecordRuleExecution(ctx context.Context, ruleID string, success bool, outcome string, at time.Time) error {
	failed := 0
	if !success {
		failed = 1
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE automation_rule SET
		execution_count = execution_count + 1, failure_count = failure_count + ?,
		last_executed_at = ?, last_outcome = ?
		WHERE id = ?`), failed, at.UTC(), outcome, ruleID)
	if err != nil {
		return fmt.Errorf("记录规则 %s 执行失败: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取影响行数失败: %w", err)
	}
	if n == 0 {
		return types.NewNotFoundError("RecordRuleExecution", fmt.Sprintf("规则 %s 不存在", ruleID))
	}
	return nil
}

// AppendAutomationLog 写入规则执行日志
func (s *Store) AppendAutomationLog(ctx context.Context, log *types.AutomationLog) error {
	row, err := dao.FromAutomationLog(log)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO automation_log (`+logColumns+`) VALUES (
		:id, :rule_id, :event_id, :executed_at, :success, :error_message, :executed_by, :action_taken, :detail)`, row); err != nil {
		return fmt.Errorf("保存执行日志失败: %w", err)
	}
	return nil
}

// ListAutomationLogs ruleID 为空时返回全部，按执行时间倒序
func (s *Store) ListAutomationLogs(ctx context.Context, ruleID string, limit int) ([]*types.AutomationLog, error) {
	query := "SELECT " + logColumns + " FROM automation_log"
	var args []any
	if ruleID != "" {
		query += " WHERE rule_id = ?"
		args = append(args, ruleID)
	}
	query += " ORDER BY executed_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []dao.AutomationLogDAO
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询执行日志失败: %w", err)
	}
	logs := make([]*types.AutomationLog, 0, len(rows))
	for i := range rows {
		l, err := rows[i].ToAutomationLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}
