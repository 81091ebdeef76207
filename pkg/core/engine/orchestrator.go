// Package engine 工作流编排器：实例生命周期、步骤推进、失败与取消处理
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/cache"
	"github.com/LENAX/asset-flow/pkg/core/saga"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// EventRecorder 事件日志出口
type EventRecorder interface {
	Record(ctx context.Context, ev *types.WorkflowEvent) error
	ForInstance(ctx context.Context, instanceID string) ([]*types.WorkflowEvent, error)
}

// Snapshot 实例状态快照
type Snapshot struct {
	Instance *types.WorkflowInstance       `json:"instance"`
	Steps    []*types.WorkflowStepInstance `json:"steps"`
	Events   []*types.WorkflowEvent        `json:"events,omitempty"`
}

// Options 编排器参数
type Options struct {
	// DefaultStepTimeout 步骤未声明期限时使用
	DefaultStepTimeout time.Duration
	// MaxRetries 瞬时失败的默认重试次数
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// IdempotencyTTL 启动请求幂等键的保留时间
	IdempotencyTTL time.Duration
	// NodeID 写入步骤的执行者标识
	NodeID string
}

func (o *Options) applyDefaults() {
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = step.DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			o.NodeID = host
		} else {
			o.NodeID = "asset-flow"
		}
	}
}

// Dependencies 编排器依赖
type Dependencies struct {
	Instances storage.InstanceRepository
	Approvals storage.ApprovalRepository
	Events    EventRecorder
	Executor  *step.Executor
	Catalog   *Catalog
	// Notifier 里程碑通知出口，可为空
	Notifier step.Notifier
	// Idempotency 启动请求幂等缓存，可为空
	Idempotency cache.Cache[string]
}

// Orchestrator 工作流编排器（对外导出）
type Orchestrator struct {
	instances storage.InstanceRepository
	approvals storage.ApprovalRepository
	events    EventRecorder
	executor  *step.Executor
	saga      *saga.Coordinator
	catalog   *Catalog
	notifier  step.Notifier
	idem      cache.Cache[string]
	locks     *keyedLock
	opts      Options

	dispatchMu sync.RWMutex
	dispatch   func(id string)

	now func() time.Time
	log *logrus.Entry
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		instances: deps.Instances,
		approvals: deps.Approvals,
		events:    deps.Events,
		executor:  deps.Executor,
		saga:      saga.NewCoordinator(deps.Instances, deps.Events, deps.Executor, opts.DefaultStepTimeout),
		catalog:   deps.Catalog,
		notifier:  deps.Notifier,
		idem:      deps.Idempotency,
		locks:     newKeyedLock(),
		opts:      opts,
		now:       time.Now,
		log:       logging.WithModule("engine"),
	}
}

// SetDispatcher 设置实例推进的投递函数（由工作池注册）
func (o *Orchestrator) SetDispatcher(fn func(id string)) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	o.dispatch = fn
}

func (o *Orchestrator) submit(id string) {
	o.dispatchMu.RLock()
	fn := o.dispatch
	o.dispatchMu.RUnlock()
	if fn != nil {
		fn(id)
	}
}

// Catalog 返回定义目录
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// Definitions 返回全部工作流定义
func (o *Orchestrator) Definitions() []*Definition {
	return o.catalog.List()
}

type startOptions struct {
	idempotencyKey string
}

// StartOption 启动选项
type StartOption func(*startOptions)

// WithIdempotencyKey 相同键的重复启动请求返回同一个实例
func WithIdempotencyKey(key string) StartOption {
	return func(o *startOptions) { o.idempotencyKey = strings.TrimSpace(key) }
}

// Start 创建并启动实例，返回实例ID
// 未知类型或缺少必填配置时返回校验错误，此时不做任何写入
func (o *Orchestrator) Start(ctx context.Context, workflowType, initiator string, configuration map[string]any, opts ...StartOption) (string, error) {
	var so startOptions
	for _, fn := range opts {
		fn(&so)
	}
	def, err := o.catalog.Get(workflowType)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(initiator) == "" {
		return "", types.NewValidationError("engine.start", "发起人不能为空")
	}
	if missing := def.MissingConfig(configuration); len(missing) > 0 {
		return "", types.NewValidationError("engine.start",
			fmt.Sprintf("工作流 %s 缺少必填配置: %s", workflowType, strings.Join(missing, ", ")))
	}

	id := uuid.NewString()
	if so.idempotencyKey != "" && o.idem != nil {
		if existing, loaded := o.idem.SetIfAbsent(so.idempotencyKey, id, o.opts.IdempotencyTTL); loaded {
			o.log.WithFields(logrus.Fields{"instance_id": existing, "key": so.idempotencyKey}).
				Info("[编排器] 重复的启动请求，返回已有实例")
			return existing, nil
		}
	}

	now := o.now().UTC()
	config := make(map[string]any, len(configuration))
	for k, v := range configuration {
		config[k] = v
	}
	inst := &types.WorkflowInstance{
		ID:                id,
		WorkflowType:      def.Type,
		Status:            types.InstancePending,
		Initiator:         initiator,
		StartTime:         now,
		UpdatedAt:         now,
		Configuration:     config,
		TotalSteps:        len(def.Steps),
		CompensationState: types.CompensationNone,
	}
	steps := make([]*types.WorkflowStepInstance, 0, len(def.Steps))
	for i, sd := range def.Steps {
		steps = append(steps, &types.WorkflowStepInstance{
			ID:         uuid.NewString(),
			InstanceID: id,
			Name:       sd.Name,
			Kind:       sd.Kind,
			Order:      i,
			Status:     types.StepPending,
		})
	}
	if err := inst.TransitionTo(types.InstanceRunning, now); err != nil {
		return "", err
	}
	if err := o.instances.CreateInstance(ctx, inst, steps); err != nil {
		if so.idempotencyKey != "" && o.idem != nil {
			o.idem.Delete(so.idempotencyKey)
		}
		return "", err
	}
	payload := map[string]any{"workflow_type": def.Type, "total_steps": len(def.Steps)}
	if so.idempotencyKey != "" {
		payload["idempotency_key"] = so.idempotencyKey
	}
	if err := o.record(ctx, inst, types.EventWorkflowStarted, "", initiator, payload); err != nil {
		return id, err
	}

	o.log.WithFields(logrus.Fields{"instance_id": id, "workflow_type": def.Type, "initiator": initiator}).
		Info("✅ [编排器] 实例已启动")
	o.submit(id)
	return id, nil
}

// Query 只读查询实例快照
func (o *Orchestrator) Query(ctx context.Context, id string) (*Snapshot, error) {
	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.snapshot(ctx, inst)
}

// ListInstances 分页查询实例
func (o *Orchestrator) ListInstances(ctx context.Context, filter storage.InstanceFilter) ([]*types.WorkflowInstance, int, error) {
	return o.instances.ListInstances(ctx, filter)
}

// Archive 归档终态实例
func (o *Orchestrator) Archive(ctx context.Context, id string) error {
	if !o.locks.TryLock(id) {
		return types.NewConflictError("engine.archive", fmt.Sprintf("实例 %s 正在被其他操作修改", id))
	}
	defer o.locks.Unlock(id)
	return o.instances.ArchiveInstance(ctx, id)
}

// Recover 返回需要继续推进的实例：运行中的实例，以及带取消请求的挂起实例
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	running, _, err := o.instances.ListInstances(ctx, storage.InstanceFilter{Status: types.InstanceRunning})
	if err != nil {
		return nil, err
	}
	suspended, _, err := o.instances.ListInstances(ctx, storage.InstanceFilter{Status: types.InstanceSuspended})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(running))
	for _, inst := range running {
		ids = append(ids, inst.ID)
	}
	for _, inst := range suspended {
		if inst.CancelRequested {
			ids = append(ids, inst.ID)
		}
	}
	if len(ids) > 0 {
		o.log.WithField("count", len(ids)).Info("[编排器] 恢复未完成的实例")
	}
	return ids, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, inst *types.WorkflowInstance) (*Snapshot, error) {
	steps, err := o.instances.ListSteps(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	events, err := o.events.ForInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Instance: inst, Steps: steps, Events: events}, nil
}

func (o *Orchestrator) reload(ctx context.Context, id string) (*Snapshot, error) {
	inst, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.snapshot(ctx, inst)
}

func (o *Orchestrator) record(ctx context.Context, inst *types.WorkflowInstance, et types.EventType, stepName, actor string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["workflow_type"]; !ok {
		payload["workflow_type"] = inst.WorkflowType
	}
	if _, ok := payload["initiator"]; !ok {
		payload["initiator"] = inst.Initiator
	}
	return o.events.Record(ctx, &types.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       et,
		StepName:   stepName,
		Actor:      actor,
		Payload:    payload,
	})
}

// cancelRequested 读取最新的取消请求标记
func (o *Orchestrator) cancelRequested(ctx context.Context, inst *types.WorkflowInstance) bool {
	fresh, err := o.instances.GetInstance(ctx, inst.ID)
	if err != nil {
		return inst.CancelRequested
	}
	if fresh.CancelRequested {
		inst.CancelRequested = true
		inst.CancelReason = fresh.CancelReason
	}
	return inst.CancelRequested
}

var milestoneSubjects = map[types.EventType]string{
	types.EventWorkflowCompleted: "已完成",
	types.EventWorkflowFailed:    "执行失败",
	types.EventWorkflowCancelled: "已取消",
}

// notifyMilestone 里程碑直接通知发起人，失败只记录日志
func (o *Orchestrator) notifyMilestone(ctx context.Context, inst *types.WorkflowInstance, et types.EventType) {
	if o.notifier == nil || inst.Initiator == "" || !et.IsMilestone() {
		return
	}
	priority := types.PriorityNormal
	body := fmt.Sprintf("工作流 %s (%s) 状态: %s", inst.WorkflowType, inst.ID, inst.Status)
	if et != types.EventWorkflowCompleted {
		priority = types.PriorityHigh
		if inst.ErrorMessage != "" {
			body += "\n原因: " + inst.ErrorMessage
		}
		if inst.CompensationState == types.CompensationPartial {
			body += "\n部分补偿失败，需要人工处理"
		}
	}
	err := o.notifier.SendDirect(ctx, types.OutboundMessage{
		Recipients: []string{inst.Initiator},
		Channel:    types.ChannelInApp,
		Subject:    fmt.Sprintf("工作流 %s %s", inst.WorkflowType, milestoneSubjects[et]),
		Body:       body,
		Priority:   priority,
		EntityType: "workflow_instance",
		EntityID:   inst.ID,
		Data: map[string]any{
			"event_type":         string(et),
			"status":             string(inst.Status),
			"compensation_state": string(inst.CompensationState),
		},
	})
	if err != nil {
		o.log.WithField("instance_id", inst.ID).WithError(err).Warn("⚠️ [编排器] 里程碑通知发送失败")
	}
}

func conflict(op, id string) error {
	return types.NewConflictError(op, fmt.Sprintf("实例 %s 正在被其他操作修改，请重新读取后重试", id))
}

// nextStep 返回第一个未完成且未跳过的步骤
func nextStep(steps []*types.WorkflowStepInstance) *types.WorkflowStepInstance {
	for _, s := range steps {
		if s.Status != types.StepCompleted && s.Status != types.StepSkipped {
			return s
		}
	}
	return nil
}

// passedSteps 已完成或跳过的步骤数
func passedSteps(steps []*types.WorkflowStepInstance) int {
	n := 0
	for _, s := range steps {
		if s.Status == types.StepCompleted || s.Status == types.StepSkipped {
			n++
		}
	}
	return n
}

var errCancelRequested = errors.New("实例已请求取消，停止重试")

func newID() string {
	return uuid.NewString()
}
