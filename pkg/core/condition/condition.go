// Package condition 实现规则与步骤前置条件使用的声明式谓词语言
// 只支持字段比较与 AND/OR/NOT 组合，不执行任何代码
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Op 操作符
type Op string

const (
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpExists   Op = "exists"
)

// Condition 条件表达式节点
// 逻辑节点使用 Conditions；比较节点使用 Field 与 Value 或 ValueField 之一
type Condition struct {
	Op         Op           `json:"op" yaml:"op"`
	Field      string       `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any          `json:"value" yaml:"value"`
	ValueField string       `json:"value_field,omitempty" yaml:"value_field,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// And 组合条件
func And(conds ...*Condition) *Condition { return &Condition{Op: OpAnd, Conditions: conds} }

// Or 组合条件
func Or(conds ...*Condition) *Condition { return &Condition{Op: OpOr, Conditions: conds} }

// Not 取反
func Not(c *Condition) *Condition { return &Condition{Op: OpNot, Conditions: []*Condition{c}} }

// Compare 字段与字面量比较
func Compare(field string, op Op, value any) *Condition {
	return &Condition{Op: op, Field: field, Value: value}
}

// CompareFields 字段与字段比较
func CompareFields(field string, op Op, other string) *Condition {
	return &Condition{Op: op, Field: field, ValueField: other}
}

func (op Op) isLogical() bool {
	return op == OpAnd || op == OpOr || op == OpNot
}

func (op Op) isComparison() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpContains, OpExists:
		return true
	default:
		return false
	}
}

// Validate 校验表达式结构
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	switch {
	case c.Op.isLogical():
		if len(c.Conditions) == 0 {
			return fmt.Errorf("条件 %s 缺少子条件", c.Op)
		}
		if c.Op == OpNot && len(c.Conditions) != 1 {
			return fmt.Errorf("not 只能有一个子条件")
		}
		for _, sub := range c.Conditions {
			if sub == nil {
				return fmt.Errorf("条件 %s 含有空的子条件", c.Op)
			}
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	case c.Op.isComparison():
		if c.Field == "" {
			return fmt.Errorf("比较条件 %s 缺少字段", c.Op)
		}
		if c.Op == OpIn && c.ValueField == "" {
			if _, ok := toSlice(c.Value); !ok {
				return fmt.Errorf("in 条件的值必须是数组")
			}
		}
		return nil
	default:
		return fmt.Errorf("未知的条件操作符: %q", c.Op)
	}
}

// Evaluate 在载荷上求值
// 比较节点的字段不存在时结果为false；类型不可比较时返回错误
func (c *Condition) Evaluate(payload map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Op {
	case OpAnd:
		for _, sub := range c.Conditions {
			ok, err := sub.Evaluate(payload)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, sub := range c.Conditions {
			ok, err := sub.Evaluate(payload)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(c.Conditions) != 1 {
			return false, fmt.Errorf("not 只能有一个子条件")
		}
		ok, err := c.Conditions[0].Evaluate(payload)
		return !ok && err == nil, err
	}

	left, found := Lookup(payload, c.Field)
	if c.Op == OpExists {
		return found && left != nil, nil
	}
	if !found {
		return false, nil
	}

	right := c.Value
	if c.ValueField != "" {
		v, ok := Lookup(payload, c.ValueField)
		if !ok {
			return false, nil
		}
		right = v
	}

	switch c.Op {
	case OpEq:
		return equal(left, right), nil
	case OpNe:
		return !equal(left, right), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, err := compare(left, right)
		if err != nil {
			return false, fmt.Errorf("字段 %s: %w", c.Field, err)
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		items, ok := toSlice(right)
		if !ok {
			return false, fmt.Errorf("字段 %s: in 的右侧不是数组", c.Field)
		}
		for _, item := range items {
			if equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if s, ok := left.(string); ok {
			return strings.Contains(s, fmt.Sprint(right)), nil
		}
		if items, ok := toSlice(left); ok {
			for _, item := range items {
				if equal(item, right) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("字段 %s: contains 只支持字符串或数组", c.Field)
	default:
		return false, fmt.Errorf("未知的条件操作符: %q", c.Op)
	}
}

// Lookup 按点号路径读取载荷字段
func Lookup(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("无法比较 %T 与 %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		// 数字字符串按数字比较，方便处理查询参数或表单数据
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
