package types

import (
	"context"
	"errors"
	"fmt"
)

// 错误分类哨兵（对外导出）
// 所有引擎返回的错误都可以通过 errors.Is 归入以下某一类
var (
	// ErrValidation 输入校验失败，发生在任何状态变更之前
	ErrValidation = errors.New("validation error")
	// ErrTransient 可重试的执行失败
	ErrTransient = errors.New("transient execution error")
	// ErrPermanent 不可重试的执行失败，触发补偿
	ErrPermanent = errors.New("permanent execution error")
	// ErrCompensation 补偿动作本身失败，只记录不自动重试
	ErrCompensation = errors.New("compensation error")
	// ErrConcurrencyConflict 乐观锁版本冲突，调用方需重新读取后重试
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrApprovalPending 审批关卡尚无决定，实例需挂起
	ErrApprovalPending = errors.New("approval pending")
)

// EngineError 引擎结构化错误（对外导出）
type EngineError struct {
	Op      string // 出错的操作
	Kind    error  // 错误分类，取值为上面的哨兵错误
	Message string // 面向用户的描述
	Err     error  // 原始错误
}

// Error 实现error接口
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

// Unwrap 同时暴露分类和原始错误，供 errors.Is / errors.As 使用
func (e *EngineError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newEngineError(kind error, op, msg string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Message: msg, Err: err}
}

// NewValidationError 创建校验错误
func NewValidationError(op, msg string) error {
	return newEngineError(ErrValidation, op, msg, nil)
}

// NewTransientError 创建可重试错误
func NewTransientError(op string, err error) error {
	return newEngineError(ErrTransient, op, "", err)
}

// NewPermanentError 创建不可重试错误
func NewPermanentError(op string, err error) error {
	return newEngineError(ErrPermanent, op, "", err)
}

// NewCompensationError 创建补偿错误
func NewCompensationError(op string, err error) error {
	return newEngineError(ErrCompensation, op, "", err)
}

// NewConflictError 创建并发冲突错误
func NewConflictError(op, msg string) error {
	return newEngineError(ErrConcurrencyConflict, op, msg, nil)
}

// NewNotFoundError 创建不存在错误
func NewNotFoundError(op, msg string) error {
	return newEngineError(ErrNotFound, op, msg, nil)
}

// KindOf 返回错误分类
// 永久错误优先于瞬时错误判断，因为重试耗尽后的瞬时错误会被包装为永久错误；
// 未分类的错误按永久错误处理，上下文超时按瞬时错误处理。
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, ErrConcurrencyConflict):
		return ErrConcurrencyConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrApprovalPending):
		return ErrApprovalPending
	case errors.Is(err, ErrCompensation):
		return ErrCompensation
	case errors.Is(err, ErrPermanent):
		return ErrPermanent
	case errors.Is(err, ErrTransient):
		return ErrTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTransient
	default:
		return ErrPermanent
	}
}

// Classify 确保错误带有分类，已分类的错误原样返回
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return newEngineError(KindOf(err), op, "", err)
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransient
}

// IsPermanent 是否为不可重试的执行失败（校验错误同样不可重试）
func IsPermanent(err error) bool {
	k := KindOf(err)
	return k == ErrPermanent || k == ErrValidation
}

var kindNames = map[error]string{
	ErrValidation:          "validation",
	ErrTransient:           "transient",
	ErrPermanent:           "permanent",
	ErrCompensation:        "compensation",
	ErrConcurrencyConflict: "conflict",
	ErrNotFound:            "not_found",
	ErrApprovalPending:     "approval_pending",
}

// KindName 返回错误分类的短名称，用于事件载荷和接口响应
func KindName(err error) string {
	if err == nil {
		return ""
	}
	return kindNames[KindOf(err)]
}
