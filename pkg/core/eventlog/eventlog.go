// Package eventlog 只追加的工作流事件日志
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// Listener 事件写入成功后的回调，异步调用
type Listener func(ctx context.Context, ev *types.WorkflowEvent)

// Log 事件日志（对外导出）
type Log struct {
	store storage.EventRepository
	log   *logrus.Entry
	now   func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	wg        sync.WaitGroup
}

// New 创建事件日志
func New(store storage.EventRepository) *Log {
	return &Log{
		store: store,
		log:   logging.WithModule("eventlog"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe 注册写入后的监听器
func (l *Log) Subscribe(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Record 写入事件，补全ID与时间戳；写入失败时返回错误，调用方必须中止状态变更
func (l *Log) Record(ctx context.Context, ev *types.WorkflowEvent) error {
	if ev.Type == "" {
		return types.NewValidationError("eventlog.Record", "事件类型不能为空")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Processed = false
	ev.ProcessedAt = nil
	ev.ProcessingResult = ""

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("记录事件 %s 失败: %w", ev.Type, err)
	}
	l.log.WithFields(logrus.Fields{
		"instance_id": ev.InstanceID,
		"type":        ev.Type,
		"seq":         ev.Seq,
	}).Debug("[事件日志] 已记录")

	l.mu.RLock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	snapshot := *ev
	lctx := context.WithoutCancel(ctx)
	for _, fn := range listeners {
		l.wg.Add(1)
		go func(fn Listener) {
			defer l.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.WithField("event_id", snapshot.ID).Errorf("❌ [事件日志] 监听器panic: %v", r)
				}
			}()
			copied := snapshot
			fn(lctx, &copied)
		}(fn)
	}
	return nil
}

// MarkProcessed 标记事件已处理，重复调用不报错
func (l *Log) MarkProcessed(ctx context.Context, id, result string) error {
	applied, err := l.store.MarkEventProcessed(ctx, id, result, l.now())
	if err != nil {
		return err
	}
	if !applied {
		l.log.WithField("event_id", id).Debug("[事件日志] 事件已处理过，忽略")
	}
	return nil
}

// Get 查询事件
func (l *Log) Get(ctx context.Context, id string) (*types.WorkflowEvent, error) {
	return l.store.GetEvent(ctx, id)
}

// List 按实例、类型、处理状态查询
func (l *Log) List(ctx context.Context, filter storage.EventFilter) ([]*types.WorkflowEvent, error) {
	return l.store.ListEvents(ctx, filter)
}

// ForInstance 返回实例的全部事件，按序号升序
func (l *Log) ForInstance(ctx context.Context, instanceID string) ([]*types.WorkflowEvent, error) {
	if instanceID == "" {
		return nil, errors.New("instanceID 不能为空")
	}
	return l.store.ListEvents(ctx, storage.EventFilter{InstanceID: instanceID})
}

// Wait 等待已派发的监听器执行完毕
func (l *Log) Wait() {
	l.wg.Wait()
}
