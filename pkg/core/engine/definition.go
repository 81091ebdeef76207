package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// 逆操作策略
const (
	CompensationInverse = "inverse"
	CompensationNone    = "none"
)

// StepDefinition 步骤定义：正向动作与逆操作成对声明
type StepDefinition struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	Kind     types.StepKind `yaml:"kind" json:"kind" validate:"required"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Optional bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
	// When 前置条件（文本形式），为假时可选步骤跳过，必需步骤失败
	When         string               `yaml:"when,omitempty" json:"when,omitempty"`
	Precondition *condition.Condition `yaml:"-" json:"precondition,omitempty"`
	Timeout      time.Duration        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries   int                  `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"gte=0"`
	Compensation string               `yaml:"compensation,omitempty" json:"compensation,omitempty" validate:"omitempty,oneof=inverse none"`
}

// Definition 工作流定义（对外导出）
type Definition struct {
	Type           string           `yaml:"type" json:"type" validate:"required"`
	Description    string           `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredConfig []string         `yaml:"required_config,omitempty" json:"required_config,omitempty"`
	Steps          []StepDefinition `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// definitionFile YAML 文件结构
type definitionFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// MissingConfig 返回配置中缺失或为空的必填项
func (d *Definition) MissingConfig(config map[string]any) []string {
	var missing []string
	for _, key := range d.RequiredConfig {
		v, ok := condition.Lookup(config, key)
		if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Catalog 工作流定义目录
type Catalog struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	registry *step.Registry
}

var definitionValidator = validator.New(validator.WithRequiredStructEnabled())

// NewCatalog 创建定义目录，registry 用于校验步骤类型与参数
func NewCatalog(registry *step.Registry) *Catalog {
	return &Catalog{defs: make(map[string]*Definition), registry: registry}
}

// Register 校验并注册定义，同名定义被替换
func (c *Catalog) Register(def Definition) error {
	if err := c.prepare(&def); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Type] = &def
	return nil
}

func (c *Catalog) prepare(def *Definition) error {
	if err := definitionValidator.Struct(def); err != nil {
		return types.NewValidationError("definition.register", fmt.Sprintf("工作流定义 %q 无效: %v", def.Type, err))
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		if _, dup := seen[sd.Name]; dup {
			return types.NewValidationError("definition.register", fmt.Sprintf("工作流 %s 步骤名重复: %s", def.Type, sd.Name))
		}
		seen[sd.Name] = struct{}{}
		if !sd.Kind.IsValid() {
			return types.NewValidationError("definition.register", fmt.Sprintf("工作流 %s 步骤 %s 类型未知: %s", def.Type, sd.Name, sd.Kind))
		}
		if c.registry != nil {
			if err := c.registry.ValidateParams(sd.Kind, sd.Params); err != nil {
				return fmt.Errorf("工作流 %s 步骤 %s: %w", def.Type, sd.Name, err)
			}
		}
		if sd.When != "" && sd.Precondition == nil {
			cond, err := condition.Parse(sd.When)
			if err != nil {
				return types.NewValidationError("definition.register", fmt.Sprintf("工作流 %s 步骤 %s 前置条件错误: %v", def.Type, sd.Name, err))
			}
			sd.Precondition = cond
		}
		if sd.Precondition != nil {
			if err := sd.Precondition.Validate(); err != nil {
				return types.NewValidationError("definition.register", fmt.Sprintf("工作流 %s 步骤 %s 前置条件错误: %v", def.Type, sd.Name, err))
			}
		}
		if sd.Compensation == "" {
			sd.Compensation = CompensationInverse
		}
	}
	return nil
}

// Get 查找定义，未知类型返回校验错误
func (c *Catalog) Get(workflowType string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[workflowType]
	if !ok {
		return nil, types.NewValidationError("definition.get", fmt.Sprintf("未知的工作流类型: %s", workflowType))
	}
	return def, nil
}

// List 按类型名排序返回全部定义
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// LoadYAML 解析并注册 YAML 中的全部定义
func (c *Catalog) LoadYAML(content []byte) ([]string, error) {
	var file definitionFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, types.NewValidationError("definition.load", fmt.Sprintf("解析工作流定义失败: %v", err))
	}
	if len(file.Workflows) == 0 {
		return nil, types.NewValidationError("definition.load", "文件中没有工作流定义")
	}
	names := make([]string, 0, len(file.Workflows))
	for _, def := range file.Workflows {
		if err := c.Register(def); err != nil {
			return names, err
		}
		names = append(names, def.Type)
	}
	return names, nil
}

// LoadDir 加载目录下全部 .yaml/.yml 文件，目录不存在时忽略
func (c *Catalog) LoadDir(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取工作流定义目录失败: %w", err)
	}
	var loaded []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, fmt.Errorf("读取 %s 失败: %w", e.Name(), err)
		}
		names, err := c.LoadYAML(content)
		loaded = append(loaded, names...)
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return loaded, nil
}

// RegisterBuiltins 注册内置的四个工作流
func (c *Catalog) RegisterBuiltins() error {
	for _, def := range BuiltinDefinitions() {
		if err := c.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinDefinitions 内置工作流定义
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Type:           "asset-lifecycle-transition",
			Description:    "资产状态流转：校验、审批、更新状态并通知发起人",
			RequiredConfig: []string{"asset_id", "target_status"},
			Steps: []StepDefinition{
				{Name: "validate", Kind: types.StepKindValidation, Params: map[string]any{"required": []any{"asset_id", "target_status"}}},
				{
					Name: "approve", Kind: types.StepKindApprovalGate, Optional: true, When: "EXISTS asset_value",
					Params: map[string]any{"amount": "${asset_value}", "auto_approve_below": 5000, "approvers": []any{"asset-manager"}},
				},
				{
					Name: "set_status", Kind: types.StepKindServiceCall,
					Params: map[string]any{"operation": step.OpSetAssetStatus, "asset_id": "${asset_id}", "status": "${target_status}"},
				},
				{
					Name: "notify", Kind: types.StepKindNotification, Compensation: CompensationNone,
					Params: map[string]any{"notify_initiator": true, "subject": "资产 ${asset_id} 已变更为 ${target_status}"},
				},
			},
		},
		{
			Type:           "procurement-trigger",
			Description:    "采购触发：校验数量、按金额审批、创建采购申请并通知采购组",
			RequiredConfig: []string{"item_id", "quantity"},
			Steps: []StepDefinition{
				{Name: "check", Kind: types.StepKindDataValidation, Params: map[string]any{"condition": "quantity > 0", "message": "采购数量必须大于0"}},
				{
					Name: "approve", Kind: types.StepKindApprovalGate, Optional: true, When: "EXISTS estimated_cost",
					Params: map[string]any{"amount": "${estimated_cost}", "auto_approve_below": 10000, "approvers": []any{"procurement-manager"}},
				},
				{
					Name: "create_request", Kind: types.StepKindServiceCall, MaxRetries: 3,
					Params: map[string]any{"operation": step.OpCreateProcurementRequest, "item_id": "${item_id}", "quantity": "${quantity}", "reason": "采购触发 ${instance_id}"},
				},
				{
					Name: "notify", Kind: types.StepKindNotification, Compensation: CompensationNone,
					Params: map[string]any{"recipients": []any{"procurement-team"}, "notify_initiator": true, "subject": "采购申请 ${steps.create_request.procurement_id} 已创建"},
				},
			},
		},
		{
			Type:           "inventory-replenishment",
			Description:    "库存补货：低于再订货点时创建采购申请并通知仓库",
			RequiredConfig: []string{"item_id", "quantity"},
			Steps: []StepDefinition{
				{Name: "check", Kind: types.StepKindDataValidation, Params: map[string]any{"condition": "quantity > 0"}},
				{
					Name: "create_request", Kind: types.StepKindServiceCall, MaxRetries: 3,
					Params: map[string]any{"operation": step.OpCreateProcurementRequest, "item_id": "${item_id}", "quantity": "${quantity}", "reason": "库存补货"},
				},
				{
					Name: "notify", Kind: types.StepKindNotification, Compensation: CompensationNone,
					Params: map[string]any{"recipients": []any{"warehouse"}, "subject": "物料 ${item_id} 已发起补货 ${steps.create_request.procurement_id}"},
				},
			},
		},
		{
			Type:           "request-fulfillment",
			Description:    "申请履约：预留库存、更新申请状态，超过阈值时升级处理",
			RequiredConfig: []string{"request_id", "item_id", "quantity"},
			Steps: []StepDefinition{
				{Name: "validate", Kind: types.StepKindValidation, Params: map[string]any{"required": []any{"request_id", "item_id", "quantity"}}},
				{Name: "reserve", Kind: types.StepKindResourceAllocation, Params: map[string]any{"item_id": "${item_id}", "quantity": "${quantity}"}},
				{
					Name: "escalate", Kind: types.StepKindEscalation, Optional: true, When: "quantity >= 100",
					Params: map[string]any{"recipients": []any{"operations-lead"}, "reason": "大批量申请 ${request_id}"},
				},
				{
					Name: "fulfil", Kind: types.StepKindServiceCall,
					Params: map[string]any{"operation": step.OpSetRequestStatus, "request_id": "${request_id}", "status": "fulfilled"},
				},
				{
					Name: "notify", Kind: types.StepKindNotification, Compensation: CompensationNone,
					Params: map[string]any{"notify_initiator": true, "subject": "申请 ${request_id} 已完成"},
				},
			},
		},
	}
}
