package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LENAX/asset-flow/pkg/core/eventlog"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/sqlite"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

// scriptedSender 按脚本依次返回错误，脚本用完后成功
type scriptedSender struct {
	channel   types.Channel
	delivered bool
	mu        sync.Mutex
	script    []error
	sent      []*types.Notification
}

func (s *scriptedSender) Channel() types.Channel { return s.channel }

func (s *scriptedSender) Send(ctx context.Context, n *types.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return false, err
		}
	}
	copied := *n
	s.sent = append(s.sent, &copied)
	return s.delivered, nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type notifyHarness struct {
	store      *sqlstore.Store
	events     *eventlog.Log
	dispatcher *Dispatcher
	sms        *scriptedSender
}

func newNotifyHarness(t *testing.T, opts Options) *notifyHarness {
	t.Helper()
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(), filepath.Join(t.TempDir(), "notify.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if opts.InitialInterval == 0 {
		opts.InitialInterval = time.Millisecond
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = 5 * time.Millisecond
	}
	events := eventlog.New(store)
	sms := &scriptedSender{channel: types.ChannelSMS}
	d, err := NewDispatcher(store, events, opts, sms)
	require.NoError(t, err)
	return &notifyHarness{store: store, events: events, dispatcher: d, sms: sms}
}

func TestDispatch_InAppDelivered(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()

	res, err := h.dispatcher.Dispatch(ctx, Request{
		Recipients: []string{"alice", "bob", "alice"},
		Subject:    "资产 {{.asset_id}} 待处理",
		Body:       "请尽快处理",
		Data:       map[string]any{"asset_id": "A-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Notifications, 2)
	assert.Equal(t, 2, res.Delivered)

	stored, err := h.store.GetNotification(ctx, res.Notifications[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationDelivered, stored.Status)
	assert.Equal(t, types.ChannelInApp, stored.Channel)
	assert.Equal(t, "资产 A-1 待处理", stored.Subject)
	assert.Equal(t, types.PriorityNormal, stored.Priority)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.SentAt)
	assert.NotNil(t, stored.DeliveredAt)
}

func TestDispatch_TransientRetriedThenSent(t *testing.T) {
	h := newNotifyHarness(t, Options{MaxAttempts: 3})
	h.sms.script = []error{
		types.NewTransientError("sms", errors.New("网关超时")),
		types.NewTransientError("sms", errors.New("网关超时")),
	}

	res, err := h.dispatcher.Dispatch(context.Background(), Request{
		Recipients: []string{"+8613800000000"},
		Channel:    types.ChannelSMS,
		Subject:    "库存告警",
	})
	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	assert.Equal(t, types.NotificationSent, n.Status)
	assert.Equal(t, 3, n.Attempts)
	assert.Equal(t, 1, h.sms.count())
}

func TestDispatch_PermanentFailsImmediately(t *testing.T) {
	h := newNotifyHarness(t, Options{MaxAttempts: 5})
	h.sms.script = []error{types.NewPermanentError("sms", errors.New("号码无效"))}

	res, err := h.dispatcher.Dispatch(context.Background(), Request{
		Recipients: []string{"bad-number"},
		Channel:    types.ChannelSMS,
		Subject:    "库存告警",
	})
	require.NoError(t, err)
	n := res.Notifications[0]
	assert.Equal(t, types.NotificationFailed, n.Status)
	assert.Equal(t, 1, n.Attempts)
	assert.False(t, n.Transient)
	assert.Contains(t, n.LastError, "号码无效")
	assert.Equal(t, 1, res.Failed)
}

func TestReplayFailed_ClonesTransientFailures(t *testing.T) {
	h := newNotifyHarness(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	transient := types.NewTransientError("sms", errors.New("网关不可用"))
	h.sms.script = []error{transient, transient, types.NewPermanentError("sms", errors.New("号码无效"))}

	first, err := h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"+861"}, Channel: types.ChannelSMS, Subject: "一"})
	require.NoError(t, err)
	original := first.Notifications[0]
	require.Equal(t, types.NotificationFailed, original.Status)
	require.True(t, original.Transient)

	_, err = h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"+862"}, Channel: types.ChannelSMS, Subject: "二"})
	require.NoError(t, err)

	res, err := h.dispatcher.ReplayFailed(ctx, ReplayFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	require.Len(t, res.Notifications, 1)
	replay := res.Notifications[0]
	assert.Equal(t, original.ID, replay.ReplayOf)
	assert.Equal(t, types.NotificationSent, replay.Status)

	stored, err := h.store.GetNotification(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFailed, stored.Status)
	assert.False(t, stored.Transient)

	again, err := h.dispatcher.ReplayFailed(ctx, ReplayFilter{})
	require.NoError(t, err)
	assert.Zero(t, again.Replayed)
}

func TestDispatch_UnknownChannelWritesNothing(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()
	_, err := h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"alice"}, Channel: "fax", Subject: "x"})
	assert.ErrorIs(t, err, types.ErrValidation)

	list, err := h.store.ListNotifications(ctx, storage.NotificationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDispatch_UnregisteredChannelFailsPermanently(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	res, err := h.dispatcher.Dispatch(context.Background(), Request{Recipients: []string{"a@example.com"}, Channel: types.ChannelEmail, Subject: "x"})
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFailed, res.Notifications[0].Status)
	assert.False(t, res.Notifications[0].Transient)
}

func TestDispatch_RateLimitedSendFailsTransiently(t *testing.T) {
	h := newNotifyHarness(t, Options{Rate: 0.001, Burst: 1, MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	first, err := h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"+861"}, Channel: types.ChannelSMS, Subject: "一"})
	require.NoError(t, err)
	assert.Equal(t, types.NotificationSent, first.Notifications[0].Status)

	second, err := h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"+862"}, Channel: types.ChannelSMS, Subject: "二"})
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFailed, second.Notifications[0].Status)
	assert.True(t, second.Notifications[0].Transient)
	assert.Equal(t, 1, h.sms.count())
}

func TestMarkReadAndDelivered_Monotonic(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()
	res, err := h.dispatcher.Dispatch(ctx, Request{Recipients: []string{"+861"}, Channel: types.ChannelSMS, Subject: "x"})
	require.NoError(t, err)
	id := res.Notifications[0].ID

	n, err := h.dispatcher.MarkDelivered(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationDelivered, n.Status)

	n, err = h.dispatcher.MarkRead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationRead, n.Status)
	assert.NotNil(t, n.ReadAt)

	_, err = h.dispatcher.MarkDelivered(ctx, id)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.dispatcher.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHandleEvent_SubscriptionFanOutOnce(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()

	_, err := h.dispatcher.CreateSubscription(ctx, &types.EventSubscription{
		EventType:       types.EventWorkflowFailed,
		WorkflowType:    "asset-request",
		Recipients:      []string{"ops"},
		NotifyInitiator: true,
		Channel:         types.ChannelInApp,
		SubjectTemplate: "工作流失败: {{.instance_id}}",
		Active:          true,
	})
	require.NoError(t, err)
	_, err = h.dispatcher.CreateSubscription(ctx, &types.EventSubscription{
		EventType:    types.EventWorkflowFailed,
		WorkflowType: "asset-disposal",
		Recipients:   []string{"other-team"},
		Channel:      types.ChannelInApp,
		Active:       true,
	})
	require.NoError(t, err)

	ev := &types.WorkflowEvent{
		InstanceID: "inst-1",
		Type:       types.EventWorkflowFailed,
		Payload:    map[string]any{"workflow_type": "asset-request", "initiator": "alice", "error": "步骤失败"},
	}
	require.NoError(t, h.events.Record(ctx, ev))
	require.NoError(t, h.dispatcher.HandleEvent(ctx, *ev))
	require.NoError(t, h.dispatcher.HandleEvent(ctx, *ev))

	all, err := h.store.ListNotifications(ctx, storage.NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	recipients := []string{all[0].Recipient, all[1].Recipient}
	assert.ElementsMatch(t, []string{"ops", "alice"}, recipients)
	assert.Equal(t, "工作流失败: inst-1", all[0].Subject)
	assert.Equal(t, types.NotificationPending, all[0].Status)
	assert.Equal(t, ev.ID, all[0].EventID)

	stored, err := h.events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestRedeliverEvents_FansOutUnprocessedEventsOnStart(t *testing.T) {
	h := newNotifyHarness(t, Options{SweepInterval: time.Hour})
	ctx := context.Background()
	_, err := h.dispatcher.CreateSubscription(ctx, &types.EventSubscription{
		EventType:  types.EventWorkflowStarted,
		Recipients: []string{"ops"},
		Channel:    types.ChannelInApp,
		Active:     true,
	})
	require.NoError(t, err)

	// 事件已落盘，但扇出前进程退出
	ev := &types.WorkflowEvent{InstanceID: "inst-9", Type: types.EventWorkflowStarted, Payload: map[string]any{"workflow_type": "asset-request"}}
	require.NoError(t, h.events.Record(ctx, ev))

	require.NoError(t, h.dispatcher.Start(ctx))
	defer h.dispatcher.Stop()

	require.Eventually(t, func() bool {
		list, err := h.store.ListNotifications(ctx, storage.NotificationFilter{Recipient: "ops", Status: types.NotificationDelivered})
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stored, err := h.events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestRedeliverEvents_SkipsRecipientsAlreadyNotified(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()
	_, err := h.dispatcher.CreateSubscription(ctx, &types.EventSubscription{
		EventType:       types.EventWorkflowFailed,
		Recipients:      []string{"ops"},
		NotifyInitiator: true,
		Channel:         types.ChannelInApp,
		Active:          true,
	})
	require.NoError(t, err)

	ev := &types.WorkflowEvent{InstanceID: "inst-1", Type: types.EventWorkflowFailed, Payload: map[string]any{"initiator": "alice"}}
	require.NoError(t, h.events.Record(ctx, ev))
	// 上一次扇出只写入了 ops 的通知
	_, err = h.dispatcher.Enqueue(ctx, Request{
		Recipients: []string{"ops"},
		Channel:    types.ChannelInApp,
		Subject:    "工作流失败",
		EventID:    ev.ID,
	})
	require.NoError(t, err)

	n, err := h.dispatcher.RedeliverEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "刚写入的事件留给总线处理")

	n, err = h.dispatcher.RedeliverEvents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := h.store.ListNotifications(ctx, storage.NotificationFilter{EventID: ev.ID})
	require.NoError(t, err)
	recipients := make([]string, 0, len(all))
	for _, n := range all {
		recipients = append(recipients, n.Recipient)
	}
	assert.ElementsMatch(t, []string{"ops", "alice"}, recipients)

	n, err = h.dispatcher.RedeliverEvents(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateSubscription_Validation(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	ctx := context.Background()
	bad := []*types.EventSubscription{
		{Channel: types.ChannelInApp, Recipients: []string{"a"}},
		{EventType: types.EventWorkflowFailed, Channel: "fax", Recipients: []string{"a"}},
		{EventType: types.EventWorkflowFailed, Channel: types.ChannelInApp},
		{EventType: types.EventWorkflowFailed, Channel: types.ChannelInApp, Recipients: []string{"a"}, SubjectTemplate: "{{.broken"},
	}
	for _, sub := range bad {
		_, err := h.dispatcher.CreateSubscription(ctx, sub)
		assert.ErrorIs(t, err, types.ErrValidation)
	}

	sub, err := h.dispatcher.CreateSubscription(ctx, &types.EventSubscription{
		EventType: "*", Channel: types.ChannelInApp, Recipients: []string{"auditor"}, Active: true,
	})
	require.NoError(t, err)
	subs, err := h.dispatcher.ListSubscriptions(ctx, types.EventStepFailed)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NoError(t, h.dispatcher.DeleteSubscription(ctx, sub.ID))
	assert.ErrorIs(t, h.dispatcher.DeleteSubscription(ctx, sub.ID), types.ErrNotFound)
}

func TestDispatcher_WorkersDrainOutboxAndStopCleanly(t *testing.T) {
	h := newNotifyHarness(t, Options{Workers: 2, SweepInterval: 20 * time.Millisecond})
	ctx := context.Background()

	// 启动前写入的通知由 Start 重新入队
	require.NoError(t, h.dispatcher.SendDirect(ctx, types.OutboundMessage{
		Recipients: []string{"+861", "+862"},
		Channel:    types.ChannelSMS,
		Subject:    "盘点提醒",
	}))

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	require.NoError(t, h.dispatcher.Start(ctx))
	assert.Error(t, h.dispatcher.Start(ctx))
	require.NoError(t, h.dispatcher.SendDirect(ctx, types.OutboundMessage{
		Recipients: []string{"+863"},
		Channel:    types.ChannelSMS,
		Subject:    "盘点提醒",
	}))

	assert.Eventually(t, func() bool {
		pending, err := h.store.ListNotifications(ctx, storage.NotificationFilter{Status: types.NotificationPending})
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.sms.count())

	h.dispatcher.Stop()
	h.dispatcher.Stop()
}

func TestSendDirect_RequiresRecipients(t *testing.T) {
	h := newNotifyHarness(t, Options{})
	err := h.dispatcher.SendDirect(context.Background(), types.OutboundMessage{Subject: "x"})
	assert.ErrorIs(t, err, types.ErrValidation)
}
