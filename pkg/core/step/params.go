package step

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// BuildData 组装步骤可见的数据：实例配置平铺在顶层，已完成步骤的输出放在 steps.<name> 下
func BuildData(inst *types.WorkflowInstance, steps []*types.WorkflowStepInstance) map[string]any {
	data := make(map[string]any, len(inst.Configuration)+4)
	for k, v := range inst.Configuration {
		data[k] = v
	}
	outputs := make(map[string]any, len(steps))
	for _, s := range steps {
		if s.Status == types.StepCompleted && s.Output != nil {
			outputs[s.Name] = s.Output
		}
	}
	data["steps"] = outputs
	data["instance_id"] = inst.ID
	data["workflow_type"] = inst.WorkflowType
	data["initiator"] = inst.Initiator
	return data
}

// ResolveParams 替换参数中的 ${path} 占位符，返回新的参数表
// 整个值就是一个占位符时保留原始类型，嵌在字符串中的占位符按文本替换
func ResolveParams(params map[string]any, data map[string]any) (map[string]any, error) {
	missing := make(map[string]struct{})
	out, _ := resolveValue(params, data, missing).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return out, types.NewValidationError("step.params", fmt.Sprintf("以下占位符未找到对应的参数值: %v", names))
	}
	return out, nil
}

func resolveValue(v any, data map[string]any, missing map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveValue(item, data, missing)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, data, missing)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, data, missing)
		}
		return out
	case string:
		return resolveString(val, data, missing)
	default:
		return v
	}
}

func resolveString(s string, data map[string]any, missing map[string]struct{}) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		path := strings.TrimSpace(m[1])
		if v, ok := condition.Lookup(data, path); ok {
			return v
		}
		missing[path] = struct{}{}
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		v, ok := condition.Lookup(data, path)
		if !ok {
			missing[path] = struct{}{}
			return match
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
