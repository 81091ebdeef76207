// Package notify 通知分发：订阅扇出、模板渲染、按渠道投递与重放
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// EventMarker 事件日志中通知扇出需要的部分
type EventMarker interface {
	Get(ctx context.Context, id string) (*types.WorkflowEvent, error)
	MarkProcessed(ctx context.Context, id, result string) error
	List(ctx context.Context, filter storage.EventFilter) ([]*types.WorkflowEvent, error)
}

// Options 分发器参数
type Options struct {
	MaxAttempts     int           // 每条通知的最大投递次数
	InitialInterval time.Duration // 重试初始间隔
	MaxInterval     time.Duration // 重试最大间隔
	Rate            float64       // 每个渠道每秒投递数，<=0 不限速
	Burst           int
	Workers         int
	QueueSize       int
	SweepInterval   time.Duration // 扫描遗留 pending 通知与未扇出事件的间隔
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Request 一次通知请求
// Recipients 为空时按 EventType 查找订阅；Subject/Body 支持 text/template
type Request struct {
	EventType    types.EventType
	WorkflowType string
	Initiator    string
	Recipients   []string
	Channel      types.Channel
	Subject      string
	Body         string
	Priority     string
	EntityType   string
	EntityID     string
	EventID      string
	Data         map[string]any

	// skip 已为该事件生成过通知的 recipient|channel
	skip map[string]bool
}

// DispatchResult 分发结果
type DispatchResult struct {
	Notifications []*types.Notification `json:"notifications"`
	Delivered     int                   `json:"delivered"`
	Sent          int                   `json:"sent"`
	Failed        int                   `json:"failed"`
}

func (r *DispatchResult) count(n *types.Notification) {
	r.Notifications = append(r.Notifications, n)
	switch n.Status {
	case types.NotificationDelivered, types.NotificationRead:
		r.Delivered++
	case types.NotificationSent:
		r.Sent++
	case types.NotificationFailed:
		r.Failed++
	}
}

// Dispatcher 通知分发器（对外导出）
type Dispatcher struct {
	store    storage.NotificationRepository
	events   EventMarker
	renderer *Renderer
	opts     Options

	sendersMu sync.RWMutex
	senders   map[types.Channel]Sender
	limiters  map[types.Channel]*rate.Limiter

	queue    chan string
	inflight sync.Map
	active   atomic.Int64
	runMu    sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now func() time.Time
	log *logrus.Entry
}

// NewDispatcher 创建分发器，站内信渠道默认注册
func NewDispatcher(store storage.NotificationRepository, events EventMarker, opts Options, senders ...Sender) (*Dispatcher, error) {
	opts.applyDefaults()
	renderer, err := NewRenderer(0)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		store:    store,
		events:   events,
		renderer: renderer,
		opts:     opts,
		senders:  make(map[types.Channel]Sender),
		limiters: make(map[types.Channel]*rate.Limiter),
		queue:    make(chan string, opts.QueueSize),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.WithModule("notify"),
	}
	d.RegisterSender(InAppSender{})
	for _, s := range senders {
		d.RegisterSender(s)
	}
	return d, nil
}

// RegisterSender 注册或替换渠道
func (d *Dispatcher) RegisterSender(s Sender) {
	d.sendersMu.Lock()
	defer d.sendersMu.Unlock()
	ch := s.Channel()
	d.senders[ch] = s
	if d.opts.Rate > 0 {
		d.limiters[ch] = rate.NewLimiter(rate.Limit(d.opts.Rate), d.opts.Burst)
	}
}

func (d *Dispatcher) sender(ch types.Channel) (Sender, *rate.Limiter, bool) {
	d.sendersMu.RLock()
	defer d.sendersMu.RUnlock()
	s, ok := d.senders[ch]
	return s, d.limiters[ch], ok
}

// Channels 已注册的渠道
func (d *Dispatcher) Channels() []types.Channel {
	d.sendersMu.RLock()
	defer d.sendersMu.RUnlock()
	out := make([]types.Channel, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	return out
}

// Dispatch 解析接收人、渲染、持久化并同步投递
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*DispatchResult, error) {
	list, err := d.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &DispatchResult{}
	for _, n := range list {
		result.count(d.deliver(ctx, n))
	}
	return result, nil
}

// Enqueue 持久化为 pending 后交给后台协程投递；未启动时等待 Start 扫描
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) ([]*types.Notification, error) {
	list, err := d.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, n := range list {
		d.submit(n.ID)
	}
	return list, nil
}

// SendDirect 步骤与规则动作使用的出口，语义同 Enqueue
func (d *Dispatcher) SendDirect(ctx context.Context, msg types.OutboundMessage) error {
	if len(msg.Recipients) == 0 {
		return types.NewValidationError("notify.SendDirect", "通知没有接收人")
	}
	_, err := d.Enqueue(ctx, Request{
		Recipients: msg.Recipients,
		Channel:    msg.Channel,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Priority:   msg.Priority,
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		EventID:    msg.EventID,
		Data:       msg.Data,
	})
	return err
}

// prepare 解析接收人并写入 pending 行，任一校验失败时不写入
func (d *Dispatcher) prepare(ctx context.Context, req Request) ([]*types.Notification, error) {
	const op = "notify.prepare"
	type target struct {
		recipient string
		channel   types.Channel
		subject   string
		body      string
		priority  string
	}
	var targets []target

	data := make(map[string]any, len(req.Data)+4)
	for k, v := range req.Data {
		data[k] = v
	}
	setDefault(data, "event_type", string(req.EventType))
	setDefault(data, "workflow_type", req.WorkflowType)
	setDefault(data, "initiator", req.Initiator)
	setDefault(data, "entity_id", req.EntityID)

	if len(req.Recipients) > 0 {
		ch := req.Channel
		if ch == "" {
			ch = types.ChannelInApp
		}
		for _, r := range dedupe(req.Recipients) {
			targets = append(targets, target{r, ch, req.Subject, req.Body, req.Priority})
		}
	} else {
		if req.EventType == "" {
			return nil, types.NewValidationError(op, "未指定接收人时必须提供事件类型")
		}
		subs, err := d.store.ListSubscriptions(ctx, req.EventType)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			if !sub.Matches(req.EventType, req.WorkflowType, req.Data) {
				continue
			}
			recipients := append([]string(nil), sub.Recipients...)
			if sub.NotifyInitiator && req.Initiator != "" {
				recipients = append(recipients, req.Initiator)
			}
			subject := firstNonEmpty(sub.SubjectTemplate, req.Subject, defaultSubjectTemplate)
			body := firstNonEmpty(sub.BodyTemplate, req.Body, defaultBodyTemplate)
			priority := firstNonEmpty(sub.Priority, req.Priority)
			for _, r := range dedupe(recipients) {
				targets = append(targets, target{r, sub.Channel, subject, body, priority})
			}
		}
	}

	now := d.now()
	list := make([]*types.Notification, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		key := t.recipient + "|" + string(t.channel)
		if seen[key] || req.skip[key] {
			continue
		}
		seen[key] = true
		if !t.channel.IsValid() {
			return nil, types.NewValidationError(op, fmt.Sprintf("未知的通知渠道: %q", t.channel))
		}
		subject, err := d.renderer.Render(t.subject, data)
		if err != nil {
			return nil, err
		}
		body, err := d.renderer.Render(t.body, data)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(subject) == "" {
			return nil, types.NewValidationError(op, "通知主题不能为空")
		}
		priority := t.priority
		if priority == "" {
			priority = types.PriorityNormal
		}
		list = append(list, &types.Notification{
			ID:         uuid.NewString(),
			Recipient:  t.recipient,
			Channel:    t.channel,
			Subject:    subject,
			Body:       body,
			Data:       req.Data,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			EventID:    req.EventID,
			Priority:   priority,
			Status:     types.NotificationPending,
			CreatedAt:  now,
		})
	}
	for _, n := range list {
		if err := d.store.CreateNotification(ctx, n); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// deliver 在限速与重试下投递一条 pending 通知，返回最终状态
// 结果写回时以 pending 做条件更新，其他协程已处理时以库中状态为准
func (d *Dispatcher) deliver(ctx context.Context, n *types.Notification) *types.Notification {
	if _, busy := d.inflight.LoadOrStore(n.ID, struct{}{}); busy {
		return n
	}
	defer d.inflight.Delete(n.ID)

	log := d.log.WithFields(logrus.Fields{"notification_id": n.ID, "channel": n.Channel, "recipient": n.Recipient})
	sender, limiter, ok := d.sender(n.Channel)
	if !ok {
		return d.finish(ctx, n, false, false, types.NewPermanentError("notify.deliver",
			fmt.Errorf("渠道 %s 未配置", n.Channel)), log)
	}

	attempts := 0
	delivered := false
	operation := func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(types.NewTransientError("notify.rate", err))
			}
		}
		attempts++
		ok, err := sender.Send(ctx, n)
		if err != nil {
			if types.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		delivered = ok
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.InitialInterval
	policy.MaxInterval = d.opts.MaxInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, retry, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("⚠️ [通知] 投递失败，稍后重试")
	})
	n.Attempts += attempts
	if err != nil && ctx.Err() != nil {
		// 停止或调用方取消时保持 pending，由下次扫描继续投递
		log.WithError(err).Debug("[通知] 投递被取消")
		return n
	}
	return d.finish(ctx, n, err == nil, delivered, err, log)
}

func (d *Dispatcher) finish(ctx context.Context, n *types.Notification, ok, delivered bool, sendErr error, log *logrus.Entry) *types.Notification {
	now := d.now()
	updated := *n
	if ok {
		_ = updated.TransitionTo(types.NotificationSent, now)
		if delivered {
			_ = updated.TransitionTo(types.NotificationDelivered, now)
		}
		updated.LastError = ""
	} else {
		_ = updated.TransitionTo(types.NotificationFailed, now)
		updated.LastError = sendErr.Error()
		updated.Transient = types.IsTransient(sendErr)
	}

	wctx := context.WithoutCancel(ctx)
	if err := d.store.UpdateNotification(wctx, &updated, types.NotificationPending); err != nil {
		if errors.Is(err, types.ErrConcurrencyConflict) {
			if current, gerr := d.store.GetNotification(wctx, n.ID); gerr == nil {
				return current
			}
		}
		log.WithError(err).Error("❌ [通知] 更新投递状态失败")
		return n
	}
	if ok {
		log.WithField("status", updated.Status).Debug("✅ [通知] 已投递")
	} else {
		log.WithError(sendErr).WithField("transient", updated.Transient).Warn("❌ [通知] 投递失败")
	}
	return &updated
}

// HandleEvent 事件日志写入后的订阅扇出，完成后标记事件已处理
// 已处理的事件直接跳过，重复投递不会产生重复通知
func (d *Dispatcher) HandleEvent(ctx context.Context, ev types.WorkflowEvent) error {
	if ev.ID != "" && d.events != nil {
		stored, err := d.events.Get(ctx, ev.ID)
		if err == nil && stored.Processed {
			return nil
		}
	}
	workflowType, _ := ev.Payload["workflow_type"].(string)
	initiator, _ := ev.Payload["initiator"].(string)

	data := make(map[string]any, len(ev.Payload)+6)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["event_type"] = string(ev.Type)
	data["instance_id"] = ev.InstanceID
	data["step_name"] = ev.StepName
	data["actor"] = ev.Actor
	data["timestamp"] = ev.Timestamp.Format(time.RFC3339)

	// 上一次扇出中途失败时已写入的通知不再重复生成
	var skip map[string]bool
	if ev.ID != "" {
		existing, err := d.store.ListNotifications(ctx, storage.NotificationFilter{EventID: ev.ID})
		if err != nil {
			return err
		}
		skip = make(map[string]bool, len(existing))
		for _, n := range existing {
			if n.ReplayOf == "" {
				skip[n.Recipient+"|"+string(n.Channel)] = true
			}
		}
	}

	list, err := d.Enqueue(ctx, Request{
		EventType:    ev.Type,
		WorkflowType: workflowType,
		Initiator:    initiator,
		EntityType:   "workflow_instance",
		EntityID:     ev.InstanceID,
		EventID:      ev.ID,
		Data:         data,
		skip:         skip,
	})
	if err != nil {
		return err
	}
	if ev.ID == "" || d.events == nil {
		return nil
	}
	return d.events.MarkProcessed(ctx, ev.ID, fmt.Sprintf("notifications=%d", len(list)+len(skip)))
}

// RedeliverEvents 对尚未标记处理的事件补做订阅扇出，返回成功扇出的事件数
// 晚于 now-settle 的事件可能仍在总线上传递，留给下一轮扫描
func (d *Dispatcher) RedeliverEvents(ctx context.Context, settle time.Duration) (int, error) {
	if d.events == nil {
		return 0, nil
	}
	unprocessed := false
	list, err := d.events.List(ctx, storage.EventFilter{Processed: &unprocessed, Limit: d.opts.QueueSize})
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-settle)
	n := 0
	for _, ev := range list {
		if settle > 0 && ev.Timestamp.After(cutoff) {
			continue
		}
		if err := d.HandleEvent(ctx, *ev); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			d.log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type}).WithError(err).
				Warn("⚠️ [通知] 事件补扇出失败，等待下次扫描")
			continue
		}
		n++
	}
	return n, nil
}

// ReplayFilter 重放范围
type ReplayFilter struct {
	Recipient string
	Channel   types.Channel
	Limit     int
}

// ReplayResult 重放结果
type ReplayResult struct {
	Replayed int `json:"replayed"`
	*DispatchResult
}

// ReplayFailed 将瞬时失败的通知复制为新的 pending 通知并投递
// 原通知保持 failed，清除 transient 标记避免再次重放
func (d *Dispatcher) ReplayFailed(ctx context.Context, filter ReplayFilter) (*ReplayResult, error) {
	failed, err := d.store.ListNotifications(ctx, storage.NotificationFilter{
		Status:        types.NotificationFailed,
		Recipient:     filter.Recipient,
		Channel:       filter.Channel,
		TransientOnly: true,
		Limit:         filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	result := &ReplayResult{DispatchResult: &DispatchResult{}}
	for _, orig := range failed {
		retired := *orig
		retired.Transient = false
		if err := d.store.UpdateNotification(ctx, &retired, types.NotificationFailed); err != nil {
			if errors.Is(err, types.ErrConcurrencyConflict) {
				continue
			}
			return result, err
		}
		clone := &types.Notification{
			ID:         uuid.NewString(),
			Recipient:  orig.Recipient,
			Channel:    orig.Channel,
			Subject:    orig.Subject,
			Body:       orig.Body,
			Data:       orig.Data,
			EntityType: orig.EntityType,
			EntityID:   orig.EntityID,
			EventID:    orig.EventID,
			Priority:   orig.Priority,
			Status:     types.NotificationPending,
			ReplayOf:   orig.ID,
			CreatedAt:  d.now(),
		}
		if err := d.store.CreateNotification(ctx, clone); err != nil {
			return result, err
		}
		result.Replayed++
		result.count(d.deliver(ctx, clone))
	}
	d.log.WithFields(logrus.Fields{"replayed": result.Replayed, "failed": result.Failed}).Info("[通知] 失败通知已重放")
	return result, nil
}

// MarkDelivered 渠道回执确认送达
func (d *Dispatcher) MarkDelivered(ctx context.Context, id string) (*types.Notification, error) {
	return d.advance(ctx, id, types.NotificationDelivered)
}

// MarkRead 接收人已读
func (d *Dispatcher) MarkRead(ctx context.Context, id string) (*types.Notification, error) {
	return d.advance(ctx, id, types.NotificationRead)
}

func (d *Dispatcher) advance(ctx context.Context, id string, target types.NotificationStatus) (*types.Notification, error) {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status == target {
		return n, nil
	}
	expected := n.Status
	if err := n.TransitionTo(target, d.now()); err != nil {
		return nil, err
	}
	if err := d.store.UpdateNotification(ctx, n, expected); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNotification 查询通知
func (d *Dispatcher) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	return d.store.GetNotification(ctx, id)
}

// ListNotifications 查询通知
func (d *Dispatcher) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*types.Notification, error) {
	return d.store.ListNotifications(ctx, filter)
}

// CreateSubscription 校验并保存订阅
func (d *Dispatcher) CreateSubscription(ctx context.Context, sub *types.EventSubscription) (*types.EventSubscription, error) {
	const op = "notify.subscription"
	if sub.EventType == "" {
		return nil, types.NewValidationError(op, "订阅的事件类型不能为空")
	}
	if !sub.Channel.IsValid() {
		return nil, types.NewValidationError(op, fmt.Sprintf("未知的通知渠道: %q", sub.Channel))
	}
	if len(sub.Recipients) == 0 && !sub.NotifyInitiator {
		return nil, types.NewValidationError(op, "订阅至少需要一个接收人或通知发起人")
	}
	for _, text := range []string{sub.SubjectTemplate, sub.BodyTemplate} {
		if text == "" {
			continue
		}
		if _, err := d.renderer.Compile(text); err != nil {
			return nil, err
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = d.now()
	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubscriptions eventType 为空时返回全部
func (d *Dispatcher) ListSubscriptions(ctx context.Context, eventType types.EventType) ([]*types.EventSubscription, error) {
	return d.store.ListSubscriptions(ctx, eventType)
}

// DeleteSubscription 删除订阅
func (d *Dispatcher) DeleteSubscription(ctx context.Context, id string) error {
	return d.store.DeleteSubscription(ctx, id)
}

// Start 启动投递协程，并把库中遗留的 pending 通知重新入队
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("通知分发器已在运行")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.runMu.Unlock()

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.wg.Add(1)
	go d.sweepLoop()

	redelivered, err := d.RedeliverEvents(d.ctx, 0)
	if err != nil {
		return err
	}
	requeued, err := d.requeuePending(d.ctx)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"workers":     d.opts.Workers,
		"requeued":    requeued,
		"redelivered": redelivered,
	}).Info("✅ [通知] 分发器已启动")
	return nil
}

// Stop 停止投递协程，未投递的通知保持 pending
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.runMu.Unlock()
	d.wg.Wait()
	d.log.Info("✅ [通知] 分发器已停止")
}

func (d *Dispatcher) submit(id string) {
	d.runMu.Lock()
	running := d.running
	d.runMu.Unlock()
	if !running {
		return
	}
	select {
	case d.queue <- id:
	default:
		d.log.WithField("notification_id", id).Warn("⚠️ [通知] 队列已满，等待下次扫描")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case id := <-d.queue:
			d.active.Add(1)
			d.process(id)
			d.active.Add(-1)
		}
	}
}

func (d *Dispatcher) process(id string) {
	n, err := d.store.GetNotification(d.ctx, id)
	if err != nil {
		d.log.WithField("notification_id", id).WithError(err).Warn("⚠️ [通知] 读取通知失败")
		return
	}
	if n.Status != types.NotificationPending {
		return
	}
	d.deliver(d.ctx, n)
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RedeliverEvents(d.ctx, d.opts.SweepInterval); err != nil && d.ctx.Err() == nil {
				d.log.WithError(err).Warn("⚠️ [通知] 扫描未扇出事件失败")
			}
			if _, err := d.requeuePending(d.ctx); err != nil && d.ctx.Err() == nil {
				d.log.WithError(err).Warn("⚠️ [通知] 扫描pending通知失败")
			}
		}
	}
}

func (d *Dispatcher) requeuePending(ctx context.Context) (int, error) {
	pending, err := d.store.ListNotifications(ctx, storage.NotificationFilter{
		Status: types.NotificationPending,
		Limit:  d.opts.QueueSize,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if _, busy := d.inflight.Load(p.ID); busy {
			continue
		}
		d.submit(p.ID)
		n++
	}
	return n, nil
}

// Idle 队列为空且没有正在投递的通知
func (d *Dispatcher) Idle() bool {
	if len(d.queue) > 0 || d.active.Load() > 0 {
		return false
	}
	busy := false
	d.inflight.Range(func(_, _ any) bool {
		busy = true
		return false
	})
	return !busy
}

func setDefault(m map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
