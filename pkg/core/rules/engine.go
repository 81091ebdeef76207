// Package rules 自动化规则引擎：触发、条件、动作
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// EventRecorder 规则相关事件写入事件日志
type EventRecorder interface {
	Record(ctx context.Context, ev *types.WorkflowEvent) error
}

// Notifier 通知动作出口
type Notifier interface {
	SendDirect(ctx context.Context, msg types.OutboundMessage) error
}

// Dependencies 规则引擎依赖
type Dependencies struct {
	Rules     storage.RuleRepository
	Approvals storage.ApprovalRepository
	Events    EventRecorder
	Services  collaborator.Services
	Notifier  Notifier
	Start     WorkflowStarter
	// CacheSize 按触发类型缓存的规则集数量，<=0 使用默认值
	CacheSize int
}

// Firing 一条规则对一个事件的处理结果
type Firing struct {
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Outcomes   []ActionOutcome `json:"outcomes,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	LogID      string          `json:"log_id"`
}

func (f *Firing) fail(err error) {
	f.Success = false
	if f.Error == "" {
		f.Error = err.Error()
	} else {
		f.Error += "; " + err.Error()
	}
}

// Evaluation 一个事件的评估结果
type Evaluation struct {
	EventID string    `json:"event_id"`
	Trigger string    `json:"trigger"`
	Matched int       `json:"matched"`
	Firings []*Firing `json:"firings"`
}

// Engine 自动化规则引擎（对外导出）
type Engine struct {
	rules     storage.RuleRepository
	approvals storage.ApprovalRepository
	events    EventRecorder
	services  collaborator.Services
	notifier  Notifier
	start     WorkflowStarter

	// catalogMu 规则变更持写锁，评估持读锁：停用返回后不会再有该规则触发
	catalogMu sync.RWMutex
	cache     *lru.Cache[types.TriggerType, []*types.AutomationRule]
	scheduler *Scheduler

	now func() time.Time
	log *logrus.Entry
}

// NewEngine 创建规则引擎
func NewEngine(deps Dependencies) (*Engine, error) {
	size := deps.CacheSize
	if size <= 0 {
		size = len(types.AllTriggerTypes())
	}
	cache, err := lru.New[types.TriggerType, []*types.AutomationRule](size)
	if err != nil {
		return nil, fmt.Errorf("创建规则缓存失败: %w", err)
	}
	return &Engine{
		rules:     deps.Rules,
		approvals: deps.Approvals,
		events:    deps.Events,
		services:  deps.Services,
		notifier:  deps.Notifier,
		start:     deps.Start,
		cache:     cache,
		now:       time.Now,
		log:       logging.WithModule("rules"),
	}, nil
}

// SetScheduler 关联定时调度器，规则变更时同步定时任务
func (e *Engine) SetScheduler(s *Scheduler) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	e.scheduler = s
}

// validateRule 保存前校验；自由文本触发器与结构化类型不一致时拒绝
func (e *Engine) validateRule(rule *types.AutomationRule) error {
	const op = "rules.validate"
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		return types.NewValidationError(op, "规则名称不能为空")
	}
	if !rule.TriggerType.IsValid() {
		return types.NewValidationError(op, fmt.Sprintf("未知的触发类型: %q", rule.TriggerType))
	}
	if rule.TriggerMismatch() {
		return types.NewValidationError(op, fmt.Sprintf("触发器文本 %q 与触发类型 %s 不一致", rule.Trigger, rule.TriggerType))
	}
	if rule.TriggerType == types.TriggerScheduledInterval {
		if strings.TrimSpace(rule.Schedule) == "" {
			return types.NewValidationError(op, "定时规则必须设置 schedule")
		}
		if err := ValidateSchedule(rule.Schedule); err != nil {
			return err
		}
	} else if rule.Schedule != "" {
		return types.NewValidationError(op, "只有 ScheduledInterval 规则可以设置 schedule")
	}
	if rule.Conditions != nil {
		if err := rule.Conditions.Validate(); err != nil {
			return types.NewValidationError(op, fmt.Sprintf("条件无效: %v", err))
		}
	}
	if len(rule.Actions) == 0 {
		return types.NewValidationError(op, "规则至少需要一个动作")
	}
	for i, a := range rule.Actions {
		if err := ValidateAction(a); err != nil {
			return fmt.Errorf("第 %d 个动作: %w", i+1, err)
		}
	}
	return nil
}

// CreateRule 校验并保存规则
func (e *Engine) CreateRule(ctx context.Context, rule *types.AutomationRule) (*types.AutomationRule, error) {
	if err := e.validateRule(rule); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.ExecutionCount = 0
	rule.FailureCount = 0
	rule.LastExecutedAt = nil
	rule.LastOutcome = ""
	rule.Version = 0

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if err := e.rules.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	e.invalidateLocked(ctx, rule.TriggerType)
	e.log.WithFields(logrus.Fields{"rule_id": rule.ID, "name": rule.Name, "trigger": rule.TriggerType}).Info("✅ [规则] 已创建")
	return rule, nil
}

// UpdateRule 按版本号更新规则定义，计数器不受影响
func (e *Engine) UpdateRule(ctx context.Context, rule *types.AutomationRule) (*types.AutomationRule, error) {
	if rule.ID == "" {
		return nil, types.NewValidationError("rules.update", "规则ID不能为空")
	}
	if err := e.validateRule(rule); err != nil {
		return nil, err
	}

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	previous, err := e.rules.GetRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	rule.UpdatedAt = e.now().UTC()
	if err := e.rules.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	e.invalidateLocked(ctx, previous.TriggerType, rule.TriggerType)
	return e.rules.GetRule(ctx, rule.ID)
}

// EnableRule 启用规则
func (e *Engine) EnableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.setActive(ctx, id, true)
}

// DisableRule 停用规则，返回后该规则不会再触发
func (e *Engine) DisableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.setActive(ctx, id, false)
}

func (e *Engine) setActive(ctx context.Context, id string, active bool) (*types.AutomationRule, error) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	rule, err := e.rules.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.rules.SetRuleActive(ctx, id, active, e.now().UTC()); err != nil {
		return nil, err
	}
	e.invalidateLocked(ctx, rule.TriggerType)
	e.log.WithFields(logrus.Fields{"rule_id": id, "active": active}).Info("[规则] 状态已变更")
	return e.rules.GetRule(ctx, id)
}

// DeleteRule 删除规则，执行日志保留
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	rule, err := e.rules.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.rules.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.invalidateLocked(ctx, rule.TriggerType)
	return nil
}

// GetRule 查询规则
func (e *Engine) GetRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.rules.GetRule(ctx, id)
}

// ListRules 查询规则
func (e *Engine) ListRules(ctx context.Context, filter storage.RuleFilter) ([]*types.AutomationRule, error) {
	return e.rules.ListRules(ctx, filter)
}

// Logs 查询执行日志
func (e *Engine) Logs(ctx context.Context, ruleID string, limit int) ([]*types.AutomationLog, error) {
	return e.rules.ListAutomationLogs(ctx, ruleID, limit)
}

// invalidateLocked 清除缓存并同步定时任务，调用方持有写锁
func (e *Engine) invalidateLocked(ctx context.Context, triggers ...types.TriggerType) {
	for _, t := range triggers {
		e.cache.Remove(t)
	}
	if e.scheduler == nil {
		return
	}
	for _, t := range triggers {
		if t == types.TriggerScheduledInterval {
			if err := e.syncScheduleLocked(ctx); err != nil {
				e.log.WithError(err).Error("❌ [规则] 同步定时任务失败")
			}
			return
		}
	}
}

func (e *Engine) syncScheduleLocked(ctx context.Context) error {
	if e.scheduler == nil {
		return nil
	}
	rules, err := e.rules.ListRules(ctx, storage.RuleFilter{TriggerType: types.TriggerScheduledInterval, ActiveOnly: true})
	if err != nil {
		return err
	}
	return e.scheduler.Sync(rules)
}

// Load 预热缓存并同步定时任务；存量规则的触发器不一致只记录告警
func (e *Engine) Load(ctx context.Context) error {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	e.cache.Purge()
	all, err := e.rules.ListRules(ctx, storage.RuleFilter{})
	if err != nil {
		return err
	}
	active := 0
	for _, r := range all {
		if r.TriggerMismatch() {
			e.log.WithFields(logrus.Fields{"rule_id": r.ID, "trigger": r.Trigger, "trigger_type": r.TriggerType}).
				Warn("⚠️ [规则] 触发器文本与触发类型不一致，按触发类型评估")
		}
		if r.Active {
			active++
		}
	}
	e.log.WithFields(logrus.Fields{"rules": len(all), "active": active}).Info("[规则] 规则目录已加载")
	return e.syncScheduleLocked(ctx)
}

// rulesFor 读取某触发类型的活动规则，调用方持有读锁
func (e *Engine) rulesFor(ctx context.Context, trigger types.TriggerType) ([]*types.AutomationRule, error) {
	if cached, ok := e.cache.Get(trigger); ok {
		return cached, nil
	}
	list, err := e.rules.ListRules(ctx, storage.RuleFilter{TriggerType: trigger, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		if r.TriggerMismatch() {
			e.log.WithFields(logrus.Fields{"rule_id": r.ID, "trigger": r.Trigger, "trigger_type": r.TriggerType}).
				Warn("⚠️ [规则] 触发器文本与触发类型不一致，按触发类型评估")
		}
	}
	e.cache.Add(trigger, list)
	return list, nil
}

// Evaluate 对一个领域事件评估全部匹配的活动规则
// 规则按优先级降序依次处理，一条规则失败不影响其他规则；每次触发写一条执行日志。
// 执行记录写入失败时同时返回已有的评估结果和错误。
func (e *Engine) Evaluate(ctx context.Context, ev types.DomainEvent) (*Evaluation, error) {
	if !ev.Type.IsValid() {
		return nil, types.NewValidationError("rules.evaluate", fmt.Sprintf("未知的触发类型: %q", ev.Type))
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()

	candidates, err := e.rulesFor(ctx, ev.Type)
	if err != nil {
		return nil, err
	}
	if ev.RuleID != "" {
		scoped := candidates[:0:0]
		for _, r := range candidates {
			if r.ID == ev.RuleID {
				scoped = append(scoped, r)
			}
		}
		candidates = scoped
	}

	result := &Evaluation{EventID: ev.ID, Trigger: string(ev.Type)}
	if len(candidates) == 0 {
		return result, nil
	}

	triggered := &types.WorkflowEvent{
		Type:    types.EventTriggered,
		Actor:   ev.Actor,
		Payload: map[string]any{"trigger": string(ev.Type), "domain_event_id": ev.ID, "source": ev.Source, "data": payload},
	}
	if err := e.events.Record(ctx, triggered); err != nil {
		return nil, err
	}

	var recordErrs []error
	for _, rule := range candidates {
		matched, cerr := e.matches(rule, payload)
		if cerr == nil && !matched {
			continue
		}
		result.Matched++
		firing, err := e.fire(ctx, rule, ev, triggered.ID, payload, cerr)
		result.Firings = append(result.Firings, firing)
		if err != nil {
			recordErrs = append(recordErrs, err)
		}
	}
	if len(recordErrs) > 0 {
		return result, fmt.Errorf("规则执行记录写入失败: %w", errors.Join(recordErrs...))
	}
	return result, nil
}

func (e *Engine) matches(rule *types.AutomationRule, payload map[string]any) (bool, error) {
	if rule.Conditions == nil {
		return true, nil
	}
	ok, err := rule.Conditions.Evaluate(payload)
	if err != nil {
		return false, types.NewPermanentError("rules.condition", fmt.Errorf("条件求值失败: %w", err))
	}
	return ok, nil
}

// fire 执行一条已匹配的规则；panic 也被隔离在单条规则内
// 返回的错误只表示执行记录写入失败，此时 firing 同样标记为失败
func (e *Engine) fire(ctx context.Context, rule *types.AutomationRule, ev types.DomainEvent, eventID string,
	payload map[string]any, condErr error) (*Firing, error) {
	firing := &Firing{RuleID: rule.ID, RuleName: rule.Name}
	actor := ev.Actor
	if actor == "" {
		actor = "rules-engine"
	}
	log := e.log.WithFields(logrus.Fields{"rule_id": rule.ID, "rule": rule.Name, "event_id": eventID})

	var (
		actionTaken string
		runErr      error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = types.NewPermanentError("rules.fire", fmt.Errorf("规则执行panic: %v", r))
			}
		}()
		switch {
		case condErr != nil:
			actionTaken = "condition_error"
			runErr = condErr
		case rule.RequiresApproval:
			actionTaken = "approval_requested"
			firing.ApprovalID, runErr = e.stageApproval(ctx, rule, eventID, payload)
		default:
			firing.Outcomes, runErr = e.runActions(ctx, actionContext{rule: rule, eventID: eventID, sourceID: ev.ID, actor: actor, payload: payload}, rule.Actions)
			actionTaken = summarizeActions(firing.Outcomes)
		}
	}()

	firing.Success = runErr == nil
	if runErr != nil {
		firing.Error = runErr.Error()
		log.WithError(runErr).Warn("❌ [规则] 执行失败")
	} else {
		log.WithField("action", actionTaken).Info("✅ [规则] 已触发")
	}
	detail := map[string]any{"trigger": string(ev.Type), "domain_event_id": ev.ID}
	if len(firing.Outcomes) > 0 {
		detail["outcomes"] = outcomesDetail(firing.Outcomes)
	}
	if firing.ApprovalID != "" {
		detail["approval_id"] = firing.ApprovalID
	}
	logID, err := e.writeLog(ctx, rule, eventID, actor, actionTaken, firing.Success, firing.Error, detail)
	firing.LogID = logID
	if err != nil {
		firing.fail(err)
		log.WithError(err).Error("❌ [规则] 执行记录写入失败")
		return firing, err
	}
	return firing, nil
}

// runActions 顺序执行动作，遇到第一个失败即停止
func (e *Engine) runActions(ctx context.Context, ac actionContext, actions []types.Action) ([]ActionOutcome, error) {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for i, a := range actions {
		res, err := e.runAction(ctx, ac, i, a)
		out := ActionOutcome{Kind: a.Kind, Success: err == nil, Result: res}
		if err != nil {
			out.Error = err.Error()
			outcomes = append(outcomes, out)
			return outcomes, fmt.Errorf("动作 %s 失败: %w", a.Kind, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (e *Engine) stageApproval(ctx context.Context, rule *types.AutomationRule, eventID string, payload map[string]any) (string, error) {
	if e.approvals == nil {
		return "", types.NewPermanentError("rules.approval", errors.New("未配置审批存储"))
	}
	a := &types.Approval{
		ID:          uuid.NewString(),
		Source:      types.ApprovalSourceRule,
		RuleID:      rule.ID,
		EventID:     eventID,
		Actions:     rule.Actions,
		Payload:     payload,
		Status:      types.ApprovalPending,
		RequestedAt: e.now().UTC(),
	}
	if err := e.approvals.CreateApproval(ctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// writeLog 写执行日志和计数器，并记录 rule.applied 事件
// 三项写入互不依赖，全部尝试后合并返回错误
func (e *Engine) writeLog(ctx context.Context, rule *types.AutomationRule, eventID, actor, actionTaken string,
	success bool, errMsg string, detail map[string]any) (string, error) {
	now := e.now().UTC()
	entry := &types.AutomationLog{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		EventID:      eventID,
		ExecutedAt:   now,
		Success:      success,
		ErrorMessage: errMsg,
		ExecutedBy:   actor,
		ActionTaken:  actionTaken,
		Detail:       detail,
	}
	var errs []error
	if err := e.rules.AppendAutomationLog(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("写入执行日志失败: %w", err))
	}
	outcome := "success"
	if !success {
		outcome = "failure: " + errMsg
	}
	if err := e.rules.RecordRuleExecution(ctx, rule.ID, success, outcome, now); err != nil {
		errs = append(errs, fmt.Errorf("更新执行计数失败: %w", err))
	}
	payload := map[string]any{
		"rule_id":      rule.ID,
		"rule_name":    rule.Name,
		"success":      success,
		"action_taken": actionTaken,
		"log_id":       entry.ID,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.events.Record(ctx, &types.WorkflowEvent{
		Type:    types.EventRuleApplied,
		Actor:   actor,
		Payload: payload,
	}); err != nil {
		errs = append(errs, fmt.Errorf("记录规则事件失败: %w", err))
	}
	return entry.ID, errors.Join(errs...)
}

// DecideApproval 处理规则暂存的审批项，通过后执行暂存的动作
func (e *Engine) DecideApproval(ctx context.Context, approvalID, actor string, approved bool, comment string) (*Firing, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, types.NewValidationError("rules.approval", "审批人不能为空")
	}
	a, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Source != types.ApprovalSourceRule {
		return nil, types.NewValidationError("rules.approval", fmt.Sprintf("审批项 %s 不是规则审批", approvalID))
	}
	status := types.ApprovalRejected
	if approved {
		status = types.ApprovalApproved
	}
	if err := e.approvals.DecideApproval(ctx, approvalID, status, actor, comment, e.now().UTC()); err != nil {
		return nil, err
	}

	rule, err := e.rules.GetRule(ctx, a.RuleID)
	deleted := errors.Is(err, types.ErrNotFound)
	if err != nil && !deleted {
		return nil, err
	}
	if deleted {
		// 规则已删除时仍按暂存的动作处理，但不再记录执行计数
		rule = &types.AutomationRule{ID: a.RuleID, Name: a.RuleID}
	}
	firing := &Firing{RuleID: rule.ID, RuleName: rule.Name, ApprovalID: approvalID}
	if !approved {
		firing.Success = true
		e.log.WithFields(logrus.Fields{"approval_id": approvalID, "actor": actor}).Info("[规则] 审批被拒绝，暂存动作不执行")
		return firing, nil
	}

	var runErr error
	firing.Outcomes, runErr = e.runActions(ctx, actionContext{rule: rule, eventID: a.EventID, actor: actor, payload: a.Payload}, a.Actions)
	firing.Success = runErr == nil
	if runErr != nil {
		firing.Error = runErr.Error()
	}
	detail := map[string]any{"approval_id": approvalID, "outcomes": outcomesDetail(firing.Outcomes)}
	if !deleted {
		logID, err := e.writeLog(ctx, rule, a.EventID, actor, summarizeActions(firing.Outcomes), firing.Success, firing.Error, detail)
		firing.LogID = logID
		if err != nil {
			firing.fail(err)
			return firing, err
		}
	}
	return firing, nil
}

// Trigger 手动触发一条规则
func (e *Engine) Trigger(ctx context.Context, ruleID, actor string, payload map[string]any) (*Evaluation, error) {
	rule, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Active {
		return nil, types.NewValidationError("rules.trigger", fmt.Sprintf("规则 %s 未启用", rule.Name))
	}
	return e.Evaluate(ctx, types.DomainEvent{
		Type:    rule.TriggerType,
		Source:  "manual",
		Payload: payload,
		Actor:   actor,
		RuleID:  rule.ID,
	})
}

// HandleDomainEvent 事件总线处理函数；评估错误只记录日志，避免消息反复重投
func (e *Engine) HandleDomainEvent(ctx context.Context, ev types.DomainEvent) error {
	res, err := e.Evaluate(ctx, ev)
	if err != nil {
		e.log.WithFields(logrus.Fields{"trigger": ev.Type, "event_id": ev.ID}).WithError(err).Error("❌ [规则] 事件评估失败")
		return nil
	}
	if res.Matched > 0 {
		e.log.WithFields(logrus.Fields{"trigger": ev.Type, "matched": res.Matched}).Debug("[规则] 事件评估完成")
	}
	return nil
}

func summarizeActions(outcomes []ActionOutcome) string {
	kinds := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		kinds = append(kinds, string(o.Kind))
	}
	return strings.Join(kinds, ",")
}

func outcomesDetail(outcomes []ActionOutcome) []any {
	out := make([]any, 0, len(outcomes))
	for _, o := range outcomes {
		item := map[string]any{"kind": string(o.Kind), "success": o.Success}
		if o.Result != nil {
			item["result"] = o.Result
		}
		if o.Error != "" {
			item["error"] = o.Error
		}
		out = append(out, item)
	}
	return out
}
