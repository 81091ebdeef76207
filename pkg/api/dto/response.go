package dto

import (
	"fmt"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// InstanceSummary 实例摘要信息
type InstanceSummary struct {
	ID           string               `json:"id"`
	WorkflowType string               `json:"workflow_type"`
	Status       types.InstanceStatus `json:"status"`
	Initiator    string               `json:"initiator"`
	Progress     string               `json:"progress"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	Duration     string               `json:"duration,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// NewInstanceSummary 从实例构造摘要
func NewInstanceSummary(inst *types.WorkflowInstance) InstanceSummary {
	s := InstanceSummary{
		ID:           inst.ID,
		WorkflowType: inst.WorkflowType,
		Status:       inst.Status,
		Initiator:    inst.Initiator,
		Progress:     fmt.Sprintf("%d/%d", inst.CurrentStep, inst.TotalSteps),
		StartedAt:    inst.StartTime,
		FinishedAt:   inst.EndTime,
		ErrorMessage: inst.ErrorMessage,
	}
	if inst.EndTime != nil {
		s.Duration = FormatDuration(inst.EndTime.Sub(inst.StartTime))
	}
	return s
}

// DefinitionSummary 工作流定义摘要
type DefinitionSummary struct {
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	RequiredConfig []string `json:"required_config,omitempty"`
	Steps          []string `json:"steps"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total   int  `json:"total"`
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// FormatDuration 格式化持续时间，精确到毫秒
func FormatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
