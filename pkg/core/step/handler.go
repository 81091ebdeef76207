// Package step 单个步骤的执行器
// 步骤类型是封闭集合，每种类型注册一个 Handler，参数在边界处解码并校验
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// Notifier 通知类步骤的出口
type Notifier interface {
	SendDirect(ctx context.Context, msg types.OutboundMessage) error
}

// Request 一次步骤执行的输入
type Request struct {
	Instance *types.WorkflowInstance
	Step     *types.WorkflowStepInstance
	// Params 已替换占位符的步骤参数
	Params map[string]any
	// Data 步骤可见的数据（配置与前序输出），data_validation 和前置条件在其上求值
	Data map[string]any
	// Key 幂等键 "<instanceID>:<order>"，透传给协作模块
	Key   string
	Actor string
}

// Result 步骤执行结果
type Result struct {
	Output       map[string]any
	Compensation *types.CompensationAction
}

// Handler 某种步骤类型的正向与逆向操作
type Handler interface {
	Kind() types.StepKind
	Execute(ctx context.Context, req Request) (Result, error)
	Compensate(ctx context.Context, action types.CompensationAction) error
}

// Dependencies 处理器依赖
type Dependencies struct {
	Services collaborator.Services
	Notifier Notifier
}

// Registry 步骤类型到处理器的固定映射
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.StepKind]Handler
}

// NewRegistry 注册全部内置步骤类型
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{handlers: make(map[types.StepKind]Handler)}
	priors := newPriorStatus()
	for _, h := range []Handler{
		&validationHandler{},
		&dataValidationHandler{},
		&resourceAllocationHandler{inventory: deps.Services.Inventory},
		&serviceCallHandler{services: deps.Services, priors: priors},
		&notificationHandler{notifier: deps.Notifier},
		&approvalGateHandler{},
		&escalationHandler{notifier: deps.Notifier, requests: deps.Services.Requests, priors: priors},
	} {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Replace 替换某个已知类型的实现，类型集合本身不可扩展
func (r *Registry) Replace(h Handler) error {
	if !h.Kind().IsValid() {
		return types.NewValidationError("step.registry", fmt.Sprintf("未知的步骤类型: %s", h.Kind()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
	return nil
}

// Lookup 查找处理器，未知类型返回校验错误
func (r *Registry) Lookup(kind types.StepKind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, types.NewValidationError("step.registry", fmt.Sprintf("未知的步骤类型: %s", kind))
	}
	return h, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeParams 参数表解码为类型化结构体并做标签校验
func decodeParams(kind types.StepKind, params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return types.NewValidationError("step."+string(kind), fmt.Sprintf("参数序列化失败: %v", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return types.NewValidationError("step."+string(kind), fmt.Sprintf("参数格式错误: %v", err))
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return types.NewValidationError("step."+string(kind), "参数校验失败: "+strings.Join(fields, ", "))
		}
		return types.NewValidationError("step."+string(kind), err.Error())
	}
	return nil
}

// ValidateParams 在定义加载时检查参数能否解码；含占位符的字段跳过类型校验
func (r *Registry) ValidateParams(kind types.StepKind, params map[string]any) error {
	if _, err := r.Lookup(kind); err != nil {
		return err
	}
	if containsPlaceholder(params) {
		return nil
	}
	target, ok := paramTargets[kind]
	if !ok {
		return nil
	}
	return decodeParams(kind, params, target())
}

func containsPlaceholder(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			if containsPlaceholder(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsPlaceholder(item) {
				return true
			}
		}
	case string:
		return strings.Contains(val, "${")
	}
	return false
}
