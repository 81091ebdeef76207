package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	istorage "github.com/LENAX/asset-flow/internal/storage"
	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/collaborator/httpclient"
	"github.com/LENAX/asset-flow/pkg/collaborator/memory"
	"github.com/LENAX/asset-flow/pkg/config"
	"github.com/LENAX/asset-flow/pkg/core/cache"
	wf "github.com/LENAX/asset-flow/pkg/core/engine"
	"github.com/LENAX/asset-flow/pkg/core/eventbus"
	"github.com/LENAX/asset-flow/pkg/core/eventlog"
	"github.com/LENAX/asset-flow/pkg/core/rules"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/notify"
	"github.com/LENAX/asset-flow/pkg/storage"
	"github.com/LENAX/asset-flow/pkg/storage/sqlstore"
)

// Builder 引擎构建器（链式调用）
type Builder struct {
	configPath  string
	cfg         *config.EngineConfig
	store       storage.Store
	services    *collaborator.Services
	definitions []wf.Definition
	senders     []notify.Sender
	handlers    []step.Handler
	err         error
}

// NewBuilder 创建引擎构建器（入口），configPath 为空时使用默认配置
func NewBuilder(configPath string) *Builder {
	return &Builder{configPath: configPath}
}

// WithConfig 直接使用已加载的配置，忽略配置文件路径
func (b *Builder) WithConfig(cfg *config.EngineConfig) *Builder {
	if b.err != nil {
		return b
	}
	if cfg == nil {
		b.err = errors.New("config is nil")
		return b
	}
	b.cfg = cfg
	return b
}

// WithStore 使用外部创建的存储，引擎停止时不关闭它
func (b *Builder) WithStore(store storage.Store) *Builder {
	if b.err != nil {
		return b
	}
	if store == nil {
		b.err = errors.New("store is nil")
		return b
	}
	b.store = store
	return b
}

// WithServices 注入协作模块实现，覆盖 collaborators.mode
func (b *Builder) WithServices(services collaborator.Services) *Builder {
	if b.err != nil {
		return b
	}
	if services.Assets == nil || services.Inventory == nil || services.Requests == nil || services.Procurement == nil {
		b.err = errors.New("collaborator services are incomplete")
		return b
	}
	b.services = &services
	return b
}

// WithDefinition 追加工作流定义（链式）
func (b *Builder) WithDefinition(def wf.Definition) *Builder {
	if b.err != nil {
		return b
	}
	b.definitions = append(b.definitions, def)
	return b
}

// WithSender 追加或替换通知渠道
func (b *Builder) WithSender(s notify.Sender) *Builder {
	if b.err != nil {
		return b
	}
	if s == nil {
		b.err = errors.New("notification sender is nil")
		return b
	}
	b.senders = append(b.senders, s)
	return b
}

// WithStepHandler 替换某个步骤类型的内置处理器
func (b *Builder) WithStepHandler(h step.Handler) *Builder {
	if b.err != nil {
		return b
	}
	if h == nil {
		b.err = errors.New("step handler is nil")
		return b
	}
	b.handlers = append(b.handlers, h)
	return b
}

// Build 按配置装配全部组件（终点）
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}

	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.Load(b.configPath)
		if err != nil {
			return nil, fmt.Errorf("加载配置失败: %w", err)
		}
		cfg = loaded
	}
	af := &cfg.AssetFlow
	logging.Setup(af.General.LogLevel, af.General.LogFormat)
	log := logging.WithModule("engine")

	var cleanups []func()
	fail := func(err error) (*Engine, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	// 存储
	store := b.store
	ownsStore := false
	if store == nil {
		db := af.Storage.Database
		opened, err := istorage.NewDatabaseFactory(db.Type, db.DSN, sqlstore.Options{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		})
		if err != nil {
			return fail(err)
		}
		store = opened
		ownsStore = true
		cleanups = append(cleanups, func() { _ = opened.Close() })
	}

	events := eventlog.New(store)
	bus, err := eventbus.New(af.Execution.QueueSize)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = bus.Close() })

	// 协作模块
	var backend *memory.Backend
	var services collaborator.Services
	switch {
	case b.services != nil:
		services = *b.services
	case af.Collaborators.Mode == "http":
		client := httpclient.New(httpclient.Options{
			AssetsURL:      af.Collaborators.AssetsURL,
			InventoryURL:   af.Collaborators.InventoryURL,
			RequestsURL:    af.Collaborators.RequestsURL,
			ProcurementURL: af.Collaborators.ProcurementURL,
			Timeout:        af.Collaborators.Timeout,
			Breaker: httpclient.BreakerSettings{
				ConsecutiveFailures: af.Collaborators.Breaker.ConsecutiveFailures,
				Timeout:             af.Collaborators.Breaker.OpenTimeout,
			},
		})
		services = client.Services()
	default:
		backend = memory.New(bus)
		services = backend.Services()
	}

	// 通知渠道
	nc := af.Notification
	var hub *notify.Hub
	senders := make([]notify.Sender, 0, len(b.senders)+3)
	if nc.SMTP.Host != "" {
		email, err := notify.NewEmailSender(nc.SMTP)
		if err != nil {
			return fail(err)
		}
		senders = append(senders, email)
	}
	if nc.SMS.Endpoint != "" {
		sms, err := notify.NewSMSSender(nc.SMS)
		if err != nil {
			return fail(err)
		}
		senders = append(senders, sms)
	}
	if nc.Push {
		hub = notify.NewHub()
		senders = append(senders, hub)
		cleanups = append(cleanups, hub.Close)
	}
	senders = append(senders, b.senders...)
	dispatcher, err := notify.NewDispatcher(store, events, notify.Options{
		MaxAttempts:     nc.MaxAttempts,
		InitialInterval: nc.Backoff,
		MaxInterval:     nc.MaxBackoff,
		Rate:            nc.Rate,
		Burst:           nc.Burst,
		Workers:         nc.Workers,
		SweepInterval:   nc.SweepInterval,
	}, senders...)
	if err != nil {
		return fail(err)
	}

	// 步骤与工作流定义
	registry := step.NewRegistry(step.Dependencies{Services: services, Notifier: dispatcher})
	for _, h := range b.handlers {
		if err := registry.Replace(h); err != nil {
			return fail(err)
		}
	}
	executor := step.NewExecutor(registry, af.Execution.DefaultStepTimeout)
	catalog := wf.NewCatalog(registry)
	if err := catalog.RegisterBuiltins(); err != nil {
		return fail(err)
	}
	for _, def := range b.definitions {
		if err := catalog.Register(def); err != nil {
			return fail(fmt.Errorf("注册工作流 %s 失败: %w", def.Type, err))
		}
	}
	if loaded, err := catalog.LoadDir(af.Workflows.DefinitionsDir); err != nil {
		return fail(err)
	} else if len(loaded) > 0 {
		log.WithField("workflows", loaded).Info("✅ [引擎] 已加载工作流定义")
	}

	idem := cache.NewMemoryCache[string](af.Storage.Cache.CleanInterval)

	// max_attempts 含首次执行
	retries := af.Execution.Retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	cleanups = append(cleanups, idem.Close)

	orch := wf.NewOrchestrator(wf.Dependencies{
		Instances:   store,
		Approvals:   store,
		Events:      events,
		Executor:    executor,
		Catalog:     catalog,
		Notifier:    dispatcher,
		Idempotency: idem,
	}, wf.Options{
		DefaultStepTimeout:   af.Execution.DefaultStepTimeout,
		MaxRetries:           retries,
		RetryInitialInterval: af.Execution.Retry.Delay,
		RetryMaxInterval:     af.Execution.Retry.MaxDelay,
		IdempotencyTTL:       af.Storage.Cache.IdempotencyTTL,
		NodeID:               af.General.InstanceName,
	})
	pool := wf.NewWorkerPool(orch, wf.WorkerPoolOptions{
		Workers:   af.Execution.WorkerConcurrency,
		QueueSize: af.Execution.QueueSize,
	})

	// 规则引擎
	ruleEngine, err := rules.NewEngine(rules.Dependencies{
		Rules:     store,
		Approvals: store,
		Events:    events,
		Services:  services,
		Notifier:  dispatcher,
		Start: func(ctx context.Context, workflowType, initiator string, configuration map[string]any, key string) (string, error) {
			return orch.Start(ctx, workflowType, initiator, configuration, wf.WithIdempotencyKey(key))
		},
		CacheSize: af.Rules.CacheSize,
	})
	if err != nil {
		return fail(err)
	}
	var loc *time.Location
	if af.Rules.Timezone != "" {
		if loc, err = time.LoadLocation(af.Rules.Timezone); err != nil {
			return fail(fmt.Errorf("rules.timezone无效: %w", err))
		}
	}
	scheduler := rules.NewScheduler(bus.PublishDomainEvent, loc)
	ruleEngine.SetScheduler(scheduler)

	// 事件流向：领域事件 -> 规则引擎；事件日志 -> 总线 -> 通知
	if err := bus.OnDomainEvent("rules", ruleEngine.HandleDomainEvent); err != nil {
		return fail(err)
	}
	if err := bus.OnWorkflowEvent("notifications", dispatcher.HandleEvent); err != nil {
		return fail(err)
	}
	busLog := logging.WithModule("eventbus")
	events.Subscribe(func(ctx context.Context, ev *types.WorkflowEvent) {
		if err := bus.PublishWorkflowEvent(ctx, ev); err != nil {
			busLog.WithError(err).WithFields(logrus.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			}).Debug("[事件总线] 工作流事件未转发")
		}
	})

	log.WithFields(logrus.Fields{
		"instance":      af.General.InstanceName,
		"database":      af.Storage.Database.Type,
		"collaborators": af.Collaborators.Mode,
		"channels":      dispatcher.Channels(),
	}).Info("✅ [引擎] 组件装配完成")

	return &Engine{
		cfg:        cfg,
		store:      store,
		ownsStore:  ownsStore,
		events:     events,
		bus:        bus,
		backend:    backend,
		services:   services,
		dispatcher: dispatcher,
		hub:        hub,
		orch:       orch,
		pool:       pool,
		rules:      ruleEngine,
		scheduler:  scheduler,
		idem:       idem,
		log:        log,
	}, nil
}
