// Package engine 组合根：按配置装配存储、事件、编排、规则与通知，并提供统一的控制面
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/collaborator/memory"
	"github.com/LENAX/asset-flow/pkg/config"
	"github.com/LENAX/asset-flow/pkg/core/cache"
	wf "github.com/LENAX/asset-flow/pkg/core/engine"
	"github.com/LENAX/asset-flow/pkg/core/eventbus"
	"github.com/LENAX/asset-flow/pkg/core/eventlog"
	"github.com/LENAX/asset-flow/pkg/core/rules"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/notify"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// Engine 引擎（对外导出）
type Engine struct {
	cfg        *config.EngineConfig
	store      storage.Store
	ownsStore  bool
	events     *eventlog.Log
	bus        *eventbus.Bus
	backend    *memory.Backend
	services   collaborator.Services
	dispatcher *notify.Dispatcher
	hub        *notify.Hub
	orch       *wf.Orchestrator
	pool       *wf.WorkerPool
	rules      *rules.Engine
	scheduler  *rules.Scheduler
	idem       *cache.MemoryCache[string]

	mu      sync.Mutex
	started bool
	stopped bool

	log *logrus.Entry
}

// StartRequest 启动工作流的请求
type StartRequest struct {
	WorkflowType   string         `json:"workflow_type"`
	Initiator      string         `json:"initiator"`
	Configuration  map[string]any `json:"configuration,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ApprovalDecision 审批决定的结果，按来源填充其一
type ApprovalDecision struct {
	Approval *types.Approval `json:"approval"`
	Firing   *rules.Firing   `json:"firing,omitempty"`
	Workflow *wf.Snapshot    `json:"workflow,omitempty"`
}

// Start 启动事件总线、通知分发、工作池与定时调度，并恢复未完成的实例
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("引擎已停止，不能再次启动")
	}
	if e.started {
		return nil
	}

	if err := e.bus.Start(ctx); err != nil {
		return fmt.Errorf("启动事件总线失败: %w", err)
	}
	if err := e.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("启动通知分发器失败: %w", err)
	}
	e.pool.Start()
	if err := e.rules.Load(ctx); err != nil {
		return fmt.Errorf("加载规则失败: %w", err)
	}
	e.scheduler.Start()

	ids, err := e.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("恢复未完成实例失败: %w", err)
	}
	for _, id := range ids {
		e.pool.Submit(id)
	}
	e.started = true
	e.log.WithField("recovered", len(ids)).Info("✅ [引擎] 已启动")
	return nil
}

// Stop 按与启动相反的顺序停止各组件
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true

	e.scheduler.Stop()
	e.pool.Stop(e.cfg.AssetFlow.Server.ShutdownTimeout)
	e.events.Wait()
	if err := e.bus.Close(); err != nil {
		e.log.WithError(err).Warn("⚠️ [引擎] 关闭事件总线失败")
	}
	e.dispatcher.Stop()
	if e.hub != nil {
		e.hub.Close()
	}
	e.idem.Close()
	if e.ownsStore {
		if err := e.store.Close(); err != nil {
			e.log.WithError(err).Warn("⚠️ [引擎] 关闭存储失败")
		}
	}
	e.log.Info("✅ [引擎] 已停止")
}

// WaitIdle 等待工作池与通知队列都空闲
func (e *Engine) WaitIdle(ctx context.Context) error {
	if err := e.pool.WaitIdle(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.events.Wait()
		if e.pool.Idle() && e.dispatcher.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health 检查存储连通性
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Config 当前配置
func (e *Engine) Config() *config.EngineConfig { return e.cfg }

// Orchestrator 工作流编排器
func (e *Engine) Orchestrator() *wf.Orchestrator { return e.orch }

// Rules 规则引擎
func (e *Engine) Rules() *rules.Engine { return e.rules }

// Notifications 通知分发器
func (e *Engine) Notifications() *notify.Dispatcher { return e.dispatcher }

// Hub 推送连接中心，未启用推送时为 nil
func (e *Engine) Hub() *notify.Hub { return e.hub }

// Backend 内存协作模块，http 模式或注入外部实现时为 nil
func (e *Engine) Backend() *memory.Backend { return e.backend }

// Services 协作模块集合
func (e *Engine) Services() collaborator.Services { return e.services }

// ---------------------------------------------------------------------------
// 工作流
// ---------------------------------------------------------------------------

// StartWorkflow 创建实例并投递推进，返回创建时的快照
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*wf.Snapshot, error) {
	var opts []wf.StartOption
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		opts = append(opts, wf.WithIdempotencyKey(key))
	}
	id, err := e.orch.Start(ctx, req.WorkflowType, req.Initiator, req.Configuration, opts...)
	if err != nil {
		return nil, err
	}
	return e.orch.Query(ctx, id)
}

// QueryWorkflow 查询实例状态、步骤与事件
func (e *Engine) QueryWorkflow(ctx context.Context, id string) (*wf.Snapshot, error) {
	return e.orch.Query(ctx, id)
}

// ListWorkflows 分页查询实例
func (e *Engine) ListWorkflows(ctx context.Context, filter storage.InstanceFilter) ([]*types.WorkflowInstance, int, error) {
	return e.orch.ListInstances(ctx, filter)
}

// CancelWorkflow 取消实例，已完成的步骤会被补偿
func (e *Engine) CancelWorkflow(ctx context.Context, id, actor, reason string) (*wf.Snapshot, error) {
	return e.orch.Cancel(ctx, id, actor, reason)
}

// SuspendWorkflow 挂起运行中的实例
func (e *Engine) SuspendWorkflow(ctx context.Context, id, actor, reason string) (*wf.Snapshot, error) {
	return e.orch.Suspend(ctx, id, actor, reason)
}

// ResumeWorkflow 恢复挂起的实例
func (e *Engine) ResumeWorkflow(ctx context.Context, id, actor string) (*wf.Snapshot, error) {
	return e.orch.Resume(ctx, id, actor)
}

// ArchiveWorkflow 归档终态实例
func (e *Engine) ArchiveWorkflow(ctx context.Context, id string) error {
	return e.orch.Archive(ctx, id)
}

// Definitions 已注册的工作流定义
func (e *Engine) Definitions() []*wf.Definition {
	return e.orch.Definitions()
}

// ---------------------------------------------------------------------------
// 审批
// ---------------------------------------------------------------------------

// ListPendingApprovals 返回全部待审批项，source 为空时不过滤来源
func (e *Engine) ListPendingApprovals(ctx context.Context, source types.ApprovalSource) ([]*types.Approval, error) {
	return e.store.ListApprovals(ctx, types.ApprovalPending, source)
}

// GetApproval 查询审批项
func (e *Engine) GetApproval(ctx context.Context, id string) (*types.Approval, error) {
	return e.store.GetApproval(ctx, id)
}

// DecideApproval 按审批来源分发：规则审批执行暂存动作，工作流审批推进关卡步骤
func (e *Engine) DecideApproval(ctx context.Context, approvalID, actor string, approved bool, comment string) (*ApprovalDecision, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, types.NewValidationError("engine.decide", "审批人不能为空")
	}
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != types.ApprovalPending {
		return nil, types.NewConflictError("engine.decide", fmt.Sprintf("审批项 %s 已处理", approvalID))
	}

	out := &ApprovalDecision{}
	switch a.Source {
	case types.ApprovalSourceRule:
		firing, err := e.rules.DecideApproval(ctx, approvalID, actor, approved, comment)
		if err != nil {
			return nil, err
		}
		out.Firing = firing
	case types.ApprovalSourceWorkflow:
		snap, err := e.orch.ApproveStep(ctx, a.InstanceID, actor, approved, comment)
		if err != nil {
			return nil, err
		}
		out.Workflow = snap
	default:
		return nil, types.NewValidationError("engine.decide", fmt.Sprintf("未知的审批来源: %s", a.Source))
	}

	if out.Approval, err = e.store.GetApproval(ctx, approvalID); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// 规则
// ---------------------------------------------------------------------------

// CreateRule 创建规则
func (e *Engine) CreateRule(ctx context.Context, rule *types.AutomationRule) (*types.AutomationRule, error) {
	return e.rules.CreateRule(ctx, rule)
}

// UpdateRule 更新规则
func (e *Engine) UpdateRule(ctx context.Context, rule *types.AutomationRule) (*types.AutomationRule, error) {
	return e.rules.UpdateRule(ctx, rule)
}

// GetRule 查询规则
func (e *Engine) GetRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.rules.GetRule(ctx, id)
}

// ListRules 查询规则
func (e *Engine) ListRules(ctx context.Context, filter storage.RuleFilter) ([]*types.AutomationRule, error) {
	return e.rules.ListRules(ctx, filter)
}

// EnableRule 启用规则
func (e *Engine) EnableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.rules.EnableRule(ctx, id)
}

// DisableRule 停用规则，之后的事件不再触发它
func (e *Engine) DisableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return e.rules.DisableRule(ctx, id)
}

// DeleteRule 删除规则
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.rules.DeleteRule(ctx, id)
}

// RuleLogs 规则执行日志，ruleID 为空时返回全部
func (e *Engine) RuleLogs(ctx context.Context, ruleID string, limit int) ([]*types.AutomationLog, error) {
	return e.rules.Logs(ctx, ruleID, limit)
}

// TriggerRule 手动触发规则
func (e *Engine) TriggerRule(ctx context.Context, ruleID, actor string, payload map[string]any) (*rules.Evaluation, error) {
	return e.rules.Trigger(ctx, ruleID, actor, payload)
}

// PublishDomainEvent 异步发布领域事件，由规则引擎在总线上消费
func (e *Engine) PublishDomainEvent(ctx context.Context, ev types.DomainEvent) error {
	if !ev.Type.IsValid() {
		return types.NewValidationError("engine.publish", fmt.Sprintf("未知的触发类型: %s", ev.Type))
	}
	return e.bus.PublishDomainEvent(ctx, ev)
}

// EvaluateEvent 同步评估领域事件并返回结果
func (e *Engine) EvaluateEvent(ctx context.Context, ev types.DomainEvent) (*rules.Evaluation, error) {
	return e.rules.Evaluate(ctx, ev)
}

// ---------------------------------------------------------------------------
// 事件与通知
// ---------------------------------------------------------------------------

// ListEvents 查询事件日志
func (e *Engine) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*types.WorkflowEvent, error) {
	return e.events.List(ctx, filter)
}

// ListNotifications 查询通知
func (e *Engine) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*types.Notification, error) {
	return e.dispatcher.ListNotifications(ctx, filter)
}

// MarkNotificationRead 标记通知已读
func (e *Engine) MarkNotificationRead(ctx context.Context, id string) (*types.Notification, error) {
	return e.dispatcher.MarkRead(ctx, id)
}

// ReplayFailedNotifications 重放瞬时失败的通知
func (e *Engine) ReplayFailedNotifications(ctx context.Context, filter notify.ReplayFilter) (*notify.ReplayResult, error) {
	return e.dispatcher.ReplayFailed(ctx, filter)
}

// CreateSubscription 创建事件订阅
func (e *Engine) CreateSubscription(ctx context.Context, sub *types.EventSubscription) (*types.EventSubscription, error) {
	return e.dispatcher.CreateSubscription(ctx, sub)
}

// ListSubscriptions 查询事件订阅
func (e *Engine) ListSubscriptions(ctx context.Context, eventType types.EventType) ([]*types.EventSubscription, error) {
	return e.dispatcher.ListSubscriptions(ctx, eventType)
}

// DeleteSubscription 删除事件订阅
func (e *Engine) DeleteSubscription(ctx context.Context, id string) error {
	return e.dispatcher.DeleteSubscription(ctx, id)
}
