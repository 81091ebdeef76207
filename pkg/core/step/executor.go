package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

// DefaultTimeout 未配置时单步的执行期限
const DefaultTimeout = 30 * time.Second

// DefaultHandlerGrace 期限到达后等待处理器退出的时间
const DefaultHandlerGrace = 5 * time.Second

// Executor 步骤执行器（对外导出）
// 每次执行带期限，超时归为 Transient，返回的错误都已分类
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	grace          time.Duration
	log            *logrus.Entry
}

// NewExecutor 创建执行器
func NewExecutor(registry *Registry, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		grace:          DefaultHandlerGrace,
		log:            logging.WithModule("step"),
	}
}

// WithHandlerGrace 设置期限到达后等待处理器退出的时间
func (e *Executor) WithHandlerGrace(d time.Duration) *Executor {
	if d > 0 {
		e.grace = d
	}
	return e
}

// Registry 返回处理器注册表
func (e *Executor) Registry() *Registry {
	return e.registry
}

type outcome struct {
	res Result
	err error
}

// Execute 执行一个步骤
func (e *Executor) Execute(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	kind := req.Step.Kind
	op := "step." + string(kind)
	h, err := e.registry.Lookup(kind)
	if err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if req.Key == "" {
		req.Key = req.Step.IdempotencyKey()
	}

	res, err := e.run(ctx, timeout, func(cctx context.Context) (Result, error) {
		return h.Execute(cctx, req)
	})
	if err != nil {
		if errors.Is(err, types.ErrApprovalPending) {
			return Result{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, types.NewTransientError(op, fmt.Errorf("步骤 %s 执行超时(%s): %w", req.Step.Name, timeout, err))
		}
		return Result{}, types.Classify(op, err)
	}

	if res.Compensation == nil {
		res.Compensation = &types.CompensationAction{None: true}
	}
	res.Compensation.Kind = kind
	res.Compensation.Key = req.Key
	if res.Compensation.Output == nil {
		res.Compensation.Output = res.Output
	}
	e.log.WithFields(logrus.Fields{"instance_id": req.Instance.ID, "step": req.Step.Name, "kind": kind}).
		Debug("[步骤] 执行完成")
	return res, nil
}

// Compensate 执行记录的逆操作，失败包装为 CompensationError
func (e *Executor) Compensate(ctx context.Context, action types.CompensationAction, timeout time.Duration) error {
	if action.None {
		return nil
	}
	op := "compensate." + string(action.Kind)
	h, err := e.registry.Lookup(action.Kind)
	if err != nil {
		return types.NewCompensationError(op, err)
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	_, err = e.run(ctx, timeout, func(cctx context.Context) (Result, error) {
		return Result{}, h.Compensate(cctx, action)
	})
	if err != nil {
		return types.NewCompensationError(op, err)
	}
	return nil
}

// run 在独立goroutine中执行
// 期限到达后取消上下文并等待处理器退出，保证下一次尝试或补偿开始时上一次执行已经结束。
// 处理器在宽限期内仍未退出时照常报告超时，处理器必须响应上下文取消。
func (e *Executor) run(ctx context.Context, timeout time.Duration, fn func(context.Context) (Result, error)) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.NewPermanentError("step", fmt.Errorf("处理器panic: %v", r))}
			}
		}()
		res, err := fn(cctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-cctx.Done():
	}

	cause := cctx.Err()
	cancel()
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		e.log.WithField("grace", e.grace).Warn("⚠️ [步骤] 处理器未响应取消，宽限期后仍在运行")
	}
	return Result{}, cause
}
