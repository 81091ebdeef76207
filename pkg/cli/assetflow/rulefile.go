package assetflow

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// RuleSpec YAML 规则文件中的一条规则
type RuleSpec struct {
	Name             string               `yaml:"name"`
	Description      string               `yaml:"description,omitempty"`
	Active           *bool                `yaml:"active,omitempty"`
	TriggerType      types.TriggerType    `yaml:"trigger_type"`
	Trigger          string               `yaml:"trigger,omitempty"`
	Schedule         string               `yaml:"schedule,omitempty"`
	When             string               `yaml:"when,omitempty"`
	Conditions       *condition.Condition `yaml:"conditions,omitempty"`
	Actions          []types.Action       `yaml:"actions"`
	Priority         int                  `yaml:"priority,omitempty"`
	Category         string               `yaml:"category,omitempty"`
	RequiresApproval bool                 `yaml:"requires_approval,omitempty"`
	CreatedBy        string               `yaml:"created_by,omitempty"`
}

// Request 转换为API请求
func (s RuleSpec) Request() dto.RuleRequest {
	return dto.RuleRequest{
		Name:             s.Name,
		Description:      s.Description,
		Active:           s.Active,
		TriggerType:      s.TriggerType,
		Trigger:          s.Trigger,
		Schedule:         s.Schedule,
		When:             s.When,
		Conditions:       s.Conditions,
		Actions:          s.Actions,
		Priority:         s.Priority,
		Category:         s.Category,
		RequiresApproval: s.RequiresApproval,
		CreatedBy:        s.CreatedBy,
	}
}

type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRuleFile 读取规则文件
func LoadRuleFile(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件 %s 失败: %w", path, err)
	}
	specs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("规则文件 %s: %w", path, err)
	}
	return specs, nil
}

// ParseRules 解析规则文档
// 支持顶层 rules 列表，也支持单条规则文档
func ParseRules(data []byte) ([]RuleSpec, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析YAML失败: %w", err)
	}
	specs := file.Rules
	if len(specs) == 0 {
		var single RuleSpec
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&single); err != nil {
			return nil, fmt.Errorf("解析YAML失败: %w", err)
		}
		specs = []RuleSpec{single}
	}

	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		switch {
		case s.Name == "":
			return nil, fmt.Errorf("第 %d 条规则缺少 name", i+1)
		case seen[s.Name]:
			return nil, fmt.Errorf("规则名称 %s 重复", s.Name)
		case !s.TriggerType.IsValid():
			return nil, fmt.Errorf("规则 %s 的 trigger_type %q 无效", s.Name, s.TriggerType)
		case len(s.Actions) == 0:
			return nil, fmt.Errorf("规则 %s 没有动作", s.Name)
		case s.When != "" && s.Conditions != nil:
			return nil, fmt.Errorf("规则 %s 的 when 与 conditions 只能给出一个", s.Name)
		}
		if s.When != "" {
			if _, err := condition.Parse(s.When); err != nil {
				return nil, fmt.Errorf("规则 %s 的条件无效: %w", s.Name, err)
			}
		}
		seen[s.Name] = true
	}
	return specs, nil
}
