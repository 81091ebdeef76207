// Package eventbus 进程内事件总线，基于watermill gochannel与消息路由器
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

const (
	// TopicDomainEvents 协作模块发出的领域事件（规则引擎消费）
	TopicDomainEvents = "asset-flow.domain-events"
	// TopicWorkflowEvents 事件日志写入成功后的工作流事件（通知分发消费）
	TopicWorkflowEvents = "asset-flow.workflow-events"

	metadataEventType = "event_type"
)

// DomainHandler 领域事件处理函数
type DomainHandler func(ctx context.Context, ev types.DomainEvent) error

// WorkflowHandler 工作流事件处理函数
type WorkflowHandler func(ctx context.Context, ev types.WorkflowEvent) error

// Bus 事件总线（对外导出）
// 处理器必须在 Start 之前注册
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	log    *logrus.Entry

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New 创建事件总线
func New(bufferSize int) (*Bus, error) {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	entry := logging.WithModule("eventbus")
	logger := logging.NewWatermillAdapter(entry)

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(bufferSize),
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("创建消息路由器失败: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	return &Bus{pubsub: pubsub, router: router, log: entry}, nil
}

// OnDomainEvent 注册领域事件处理器
func (b *Bus) OnDomainEvent(name string, h DomainHandler) error {
	return b.addHandler(name, TopicDomainEvents, func(msg *message.Message) error {
		var ev types.DomainEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.log.WithError(err).WithField("handler", name).Error("❌ [事件总线] 领域事件解码失败，已丢弃")
			return nil
		}
		if err := h(msg.Context(), ev); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"handler": name, "event_id": ev.ID}).
				Warn("⚠️ [事件总线] 领域事件处理失败")
		}
		return nil
	})
}

// OnWorkflowEvent 注册工作流事件处理器
func (b *Bus) OnWorkflowEvent(name string, h WorkflowHandler) error {
	return b.addHandler(name, TopicWorkflowEvents, func(msg *message.Message) error {
		var ev types.WorkflowEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.log.WithError(err).WithField("handler", name).Error("❌ [事件总线] 工作流事件解码失败，已丢弃")
			return nil
		}
		if err := h(msg.Context(), ev); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{"handler": name, "event_id": ev.ID}).
				Warn("⚠️ [事件总线] 工作流事件处理失败")
		}
		return nil
	})
}

func (b *Bus) addHandler(name, topic string, fn message.NoPublishHandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("事件总线已启动，不能再注册处理器 %s", name)
	}
	b.router.AddNoPublisherHandler(name, topic, b.pubsub, fn)
	return nil
}

// Start 启动路由器并等待其进入运行状态
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.router.Run(context.WithoutCancel(ctx)); err != nil {
			b.log.WithError(err).Error("❌ [事件总线] 消息路由器退出")
		}
	}()

	select {
	case <-b.router.Running():
		b.log.Info("✅ [事件总线] 已启动")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishDomainEvent 发布领域事件，缺省时补全ID与发生时间
func (b *Bus) PublishDomainEvent(ctx context.Context, ev types.DomainEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return b.publish(ctx, TopicDomainEvents, string(ev.Type), ev)
}

// PublishWorkflowEvent 发布已记录的工作流事件
func (b *Bus) PublishWorkflowEvent(ctx context.Context, ev *types.WorkflowEvent) error {
	return b.publish(ctx, TopicWorkflowEvents, string(ev.Type), ev)
}

func (b *Bus) publish(ctx context.Context, topic, eventType string, v any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("事件总线已关闭")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEventType, eventType)
	msg.SetContext(context.WithoutCancel(ctx))
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("发布事件到 %s 失败: %w", topic, err)
	}
	return nil
}

// Close 关闭路由器与Pub/Sub
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.router.Close(); err != nil {
		b.log.WithError(err).Warn("⚠️ [事件总线] 关闭路由器失败")
	}
	if err := b.pubsub.Close(); err != nil {
		return fmt.Errorf("关闭 Pub/Sub 失败: %w", err)
	}
	b.wg.Wait()
	b.log.Info("✅ [事件总线] 已关闭")
	return nil
}
