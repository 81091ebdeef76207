package dao

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// WorkflowInstanceDAO workflow_instance表的数据访问对象（内部使用）
type WorkflowInstanceDAO struct {
	ID                string         `db:"id"`
	WorkflowType      string         `db:"workflow_type"`
	Status            string         `db:"status"`
	Initiator         string         `db:"initiator"`
	StartTime         time.Time      `db:"start_time"`
	EndTime           sql.NullTime   `db:"end_time"`
	UpdatedAt         time.Time      `db:"updated_at"`
	Configuration     string         `db:"configuration"` // JSON格式存储
	CurrentStep       int            `db:"current_step"`
	TotalSteps        int            `db:"total_steps"`
	ErrorMessage      string         `db:"error_message"`
	CompensationData  sql.NullString `db:"compensation_data"` // JSON格式存储
	CompensationState string         `db:"compensation_state"`
	CancelRequested   bool           `db:"cancel_requested"`
	CancelReason      string         `db:"cancel_reason"`
	Archived          bool           `db:"archived"`
	Version           int64          `db:"version"`
}

// WorkflowStepDAO workflow_step表的数据访问对象（内部使用）
type WorkflowStepDAO struct {
	ID           string         `db:"id"`
	InstanceID   string         `db:"instance_id"`
	Name         string         `db:"name"`
	Kind         string         `db:"kind"`
	StepOrder    int            `db:"step_order"`
	Status       string         `db:"status"`
	StartTime    sql.NullTime   `db:"start_time"`
	EndTime      sql.NullTime   `db:"end_time"`
	Input        string         `db:"input"`
	Output       string         `db:"output"`
	ErrorMessage string         `db:"error_message"`
	Compensation sql.NullString `db:"compensation"`
	Executor     string         `db:"executor"`
	Attempts     int            `db:"attempts"`
	Version      int64          `db:"version"`
}

// FromInstance 领域对象转换为DAO
func FromInstance(inst *types.WorkflowInstance) (*WorkflowInstanceDAO, error) {
	cfg, err := marshalMap(inst.Configuration)
	if err != nil {
		return nil, fmt.Errorf("序列化实例配置失败: %w", err)
	}
	comp := sql.NullString{}
	if inst.CompensationData != nil {
		raw, err := json.Marshal(inst.CompensationData)
		if err != nil {
			return nil, fmt.Errorf("序列化补偿数据失败: %w", err)
		}
		comp = sql.NullString{String: string(raw), Valid: true}
	}
	state := inst.CompensationState
	if state == "" {
		state = types.CompensationNone
	}
	return &WorkflowInstanceDAO{
		ID:                inst.ID,
		WorkflowType:      inst.WorkflowType,
		Status:            string(inst.Status),
		Initiator:         inst.Initiator,
		StartTime:         inst.StartTime.UTC(),
		EndTime:           nullTime(inst.EndTime),
		UpdatedAt:         inst.UpdatedAt.UTC(),
		Configuration:     cfg,
		CurrentStep:       inst.CurrentStep,
		TotalSteps:        inst.TotalSteps,
		ErrorMessage:      inst.ErrorMessage,
		CompensationData:  comp,
		CompensationState: string(state),
		CancelRequested:   inst.CancelRequested,
		CancelReason:      inst.CancelReason,
		Archived:          inst.Archived,
		Version:           inst.Version,
	}, nil
}

// ToInstance DAO转换为领域对象
func (d *WorkflowInstanceDAO) ToInstance() (*types.WorkflowInstance, error) {
	cfg, err := unmarshalMap(d.Configuration)
	if err != nil {
		return nil, fmt.Errorf("解析实例 %s 配置失败: %w", d.ID, err)
	}
	var comp *types.CompensationSummary
	if d.CompensationData.Valid && d.CompensationData.String != "" {
		comp = &types.CompensationSummary{}
		if err := json.Unmarshal([]byte(d.CompensationData.String), comp); err != nil {
			return nil, fmt.Errorf("解析实例 %s 补偿数据失败: %w", d.ID, err)
		}
	}
	return &types.WorkflowInstance{
		ID:                d.ID,
		WorkflowType:      d.WorkflowType,
		Status:            types.InstanceStatus(d.Status),
		Initiator:         d.Initiator,
		StartTime:         d.StartTime,
		EndTime:           timePtr(d.EndTime),
		UpdatedAt:         d.UpdatedAt,
		Configuration:     cfg,
		CurrentStep:       d.CurrentStep,
		TotalSteps:        d.TotalSteps,
		ErrorMessage:      d.ErrorMessage,
		CompensationData:  comp,
		CompensationState: types.CompensationState(d.CompensationState),
		CancelRequested:   d.CancelRequested,
		CancelReason:      d.CancelReason,
		Archived:          d.Archived,
		Version:           d.Version,
	}, nil
}

// FromStep 领域对象转换为DAO
func FromStep(step *types.WorkflowStepInstance) (*WorkflowStepDAO, error) {
	input, err := marshalMap(step.Input)
	if err != nil {
		return nil, fmt.Errorf("序列化步骤输入失败: %w", err)
	}
	output, err := marshalMap(step.Output)
	if err != nil {
		return nil, fmt.Errorf("序列化步骤输出失败: %w", err)
	}
	comp := sql.NullString{}
	if step.Compensation != nil {
		raw, err := json.Marshal(step.Compensation)
		if err != nil {
			return nil, fmt.Errorf("序列化补偿动作失败: %w", err)
		}
		comp = sql.NullString{String: string(raw), Valid: true}
	}
	return &WorkflowStepDAO{
		ID:           step.ID,
		InstanceID:   step.InstanceID,
		Name:         step.Name,
		Kind:         string(step.Kind),
		StepOrder:    step.Order,
		Status:       string(step.Status),
		StartTime:    nullTime(step.StartTime),
		EndTime:      nullTime(step.EndTime),
		Input:        input,
		Output:       output,
		ErrorMessage: step.ErrorMessage,
		Compensation: comp,
		Executor:     step.Executor,
		Attempts:     step.Attempts,
		Version:      step.Version,
	}, nil
}

// ToStep DAO转换为领域对象
func (d *WorkflowStepDAO) ToStep() (*types.WorkflowStepInstance, error) {
	input, err := unmarshalMap(d.Input)
	if err != nil {
		return nil, fmt.Errorf("解析步骤 %s 输入失败: %w", d.ID, err)
	}
	output, err := unmarshalMap(d.Output)
	if err != nil {
		return nil, fmt.Errorf("解析步骤 %s 输出失败: %w", d.ID, err)
	}
	var comp *types.CompensationAction
	if d.Compensation.Valid && d.Compensation.String != "" {
		comp = &types.CompensationAction{}
		if err := json.Unmarshal([]byte(d.Compensation.String), comp); err != nil {
			return nil, fmt.Errorf("解析步骤 %s 补偿动作失败: %w", d.ID, err)
		}
	}
	return &types.WorkflowStepInstance{
		ID:           d.ID,
		InstanceID:   d.InstanceID,
		Name:         d.Name,
		Kind:         types.StepKind(d.Kind),
		Order:        d.StepOrder,
		Status:       types.StepStatus(d.Status),
		StartTime:    timePtr(d.StartTime),
		EndTime:      timePtr(d.EndTime),
		Input:        input,
		Output:       output,
		ErrorMessage: d.ErrorMessage,
		Compensation: comp,
		Executor:     d.Executor,
		Attempts:     d.Attempts,
		Version:      d.Version,
	}, nil
}
