package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

// WorkerPoolOptions 工作池参数
type WorkerPoolOptions struct {
	Workers   int
	QueueSize int
	// RequeueDelay 遇到并发冲突时重新投递的延迟
	RequeueDelay time.Duration
	// MaxRequeue 同一实例连续冲突的最大重投次数
	MaxRequeue int
}

// WorkerPool 固定数量的协程从有界队列中取实例并推进到非运行状态
type WorkerPool struct {
	orch *Orchestrator
	opts WorkerPoolOptions

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queued   map[string]struct{}
	requeues map[string]int
	started  bool
	stopped  bool
	// active 已投递但尚未处理完的实例数（含延迟重投）
	active atomic.Int64

	log *logrus.Entry
}

// NewWorkerPool 创建工作池并注册为编排器的投递函数
func NewWorkerPool(orch *Orchestrator, opts WorkerPoolOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 50 * time.Millisecond
	}
	if opts.MaxRequeue <= 0 {
		opts.MaxRequeue = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		orch:     orch,
		opts:     opts,
		queue:    make(chan string, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		queued:   make(map[string]struct{}),
		requeues: make(map[string]int),
		log:      logging.WithModule("worker"),
	}
	orch.SetDispatcher(p.Submit)
	return p
}

// Start 启动工作协程
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	p.log.WithField("workers", p.opts.Workers).Info("✅ [工作池] 已启动")
}

// Submit 投递实例，已在队列中的实例不会重复投递；停止后的投递被丢弃，由启动恢复兜底
func (p *WorkerPool) Submit(id string) {
	p.active.Add(1)
	p.enqueue(id)
}

func (p *WorkerPool) enqueue(id string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.active.Add(-1)
		return
	}
	if _, ok := p.queued[id]; ok {
		p.mu.Unlock()
		p.active.Add(-1)
		return
	}
	p.queued[id] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- id:
	case <-p.ctx.Done():
		p.mu.Lock()
		delete(p.queued, id)
		p.mu.Unlock()
		p.active.Add(-1)
	}
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.process(id)
		}
	}
}

func (p *WorkerPool) process(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()

	snap, err := p.orch.Run(p.ctx, id)
	switch {
	case err == nil:
		p.mu.Lock()
		delete(p.requeues, id)
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"instance_id": id, "status": snap.Instance.Status}).Debug("[工作池] 推进结束")
	case errors.Is(err, types.ErrConcurrencyConflict):
		if p.requeue(id) {
			return
		}
	case errors.Is(err, context.Canceled):
		p.log.WithField("instance_id", id).Info("[工作池] 停止时中断推进，等待恢复")
	default:
		p.log.WithField("instance_id", id).WithError(err).Error("❌ [工作池] 推进失败")
	}
	p.active.Add(-1)
}

// requeue 延迟重投，返回 false 表示已超过重投上限
func (p *WorkerPool) requeue(id string) bool {
	p.mu.Lock()
	p.requeues[id]++
	count := p.requeues[id]
	if count > p.opts.MaxRequeue {
		delete(p.requeues, id)
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"instance_id": id, "attempts": count - 1}).
			Warn("⚠️ [工作池] 实例持续冲突，放弃本次推进")
		return false
	}
	p.mu.Unlock()
	time.AfterFunc(p.opts.RequeueDelay*time.Duration(count), func() { p.enqueue(id) })
	return true
}

// Idle 所有投递都已处理完
func (p *WorkerPool) Idle() bool {
	return p.active.Load() == 0
}

// WaitIdle 等待工作池空闲
func (p *WorkerPool) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !p.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop 停止接收投递，等待队列处理完，超时后中断正在推进的实例
func (p *WorkerPool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if started {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := p.WaitIdle(ctx); err != nil {
			p.log.Warn("⚠️ [工作池] 等待队列处理超时，中断剩余任务")
		}
		cancel()
	}
	p.cancel()
	p.wg.Wait()
	p.orch.SetDispatcher(nil)
	p.log.Info("[工作池] 已停止")
}
