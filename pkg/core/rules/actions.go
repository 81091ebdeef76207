package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// 动作参数的 JSON Schema，规则保存时校验
// *_field 形式的参数从事件载荷中按路径读取
var actionSchemas = map[types.ActionKind]string{
	types.ActionStartWorkflow: `{
		"type": "object",
		"properties": {
			"workflow_type": {"type": "string", "minLength": 1},
			"initiator": {"type": "string"},
			"configuration": {"type": "object"},
			"configuration_fields": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["workflow_type"],
		"additionalProperties": false
	}`,
	types.ActionCreateProcurementRequest: `{
		"type": "object",
		"properties": {
			"item_id": {"type": "string", "minLength": 1},
			"item_id_field": {"type": "string", "minLength": 1},
			"quantity": {"type": ["integer", "string"]},
			"quantity_field": {"type": "string", "minLength": 1},
			"vendor_id": {"type": "string"},
			"reason": {"type": "string"}
		},
		"allOf": [
			{"anyOf": [{"required": ["item_id"]}, {"required": ["item_id_field"]}]},
			{"anyOf": [{"required": ["quantity"]}, {"required": ["quantity_field"]}]}
		],
		"additionalProperties": false
	}`,
	types.ActionNotify: `{
		"type": "object",
		"properties": {
			"recipients": {"type": "array", "items": {"type": "string"}},
			"recipients_field": {"type": "string", "minLength": 1},
			"channel": {"enum": ["email", "sms", "push", "in_app"]},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string"},
			"priority": {"enum": ["low", "normal", "high", "urgent"]}
		},
		"required": ["subject"],
		"anyOf": [{"required": ["recipients"]}, {"required": ["recipients_field"]}],
		"additionalProperties": false
	}`,
	types.ActionSetAssetStatus: `{
		"type": "object",
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"asset_id_field": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1}
		},
		"required": ["status"],
		"anyOf": [{"required": ["asset_id"]}, {"required": ["asset_id_field"]}],
		"additionalProperties": false
	}`,
	types.ActionSetRequestStatus: `{
		"type": "object",
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"request_id_field": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1}
		},
		"required": ["status"],
		"anyOf": [{"required": ["request_id"]}, {"required": ["request_id_field"]}],
		"additionalProperties": false
	}`,
}

var compiledSchemas = func() map[types.ActionKind]*gojsonschema.Schema {
	out := make(map[types.ActionKind]*gojsonschema.Schema, len(actionSchemas))
	for kind, raw := range actionSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("动作 %s 的 schema 无效: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}()

// ValidateAction 按动作类型的 schema 校验参数
func ValidateAction(a types.Action) error {
	schema, ok := compiledSchemas[a.Kind]
	if !ok {
		return types.NewValidationError("rules.action", fmt.Sprintf("未知的动作类型: %s", a.Kind))
	}
	params := a.Params
	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return types.NewValidationError("rules.action", fmt.Sprintf("动作 %s 参数无法校验: %v", a.Kind, err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return types.NewValidationError("rules.action", fmt.Sprintf("动作 %s 参数无效: %s", a.Kind, strings.Join(msgs, "; ")))
	}
	return nil
}

// ActionOutcome 单个动作的执行结果
type ActionOutcome struct {
	Kind    types.ActionKind `json:"kind"`
	Success bool             `json:"success"`
	Result  map[string]any   `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// WorkflowStarter 启动工作流的出口，idempotencyKey 用于至少一次投递下去重
type WorkflowStarter func(ctx context.Context, workflowType, initiator string, configuration map[string]any, idempotencyKey string) (string, error)

// actionContext 动作执行时可见的上下文
// sourceID 为领域事件ID，重投递时不变，用作下游幂等键
type actionContext struct {
	rule     *types.AutomationRule
	eventID  string
	sourceID string
	actor    string
	payload  map[string]any
}

func (c actionContext) key(index int) string {
	source := c.sourceID
	if source == "" {
		source = c.eventID
	}
	return fmt.Sprintf("rule:%s:%s:%d", c.rule.ID, source, index)
}

// runAction 执行单个动作，参数先替换 ${path} 占位符，再解析 *_field 引用
func (e *Engine) runAction(ctx context.Context, ac actionContext, index int, a types.Action) (map[string]any, error) {
	op := "rules." + string(a.Kind)
	params, err := step.ResolveParams(a.Params, ac.payload)
	if err != nil {
		return nil, err
	}

	switch a.Kind {
	case types.ActionStartWorkflow:
		if e.start == nil {
			return nil, types.NewPermanentError(op, fmt.Errorf("未配置工作流启动出口"))
		}
		workflowType, _ := params["workflow_type"].(string)
		initiator, _ := params["initiator"].(string)
		if initiator == "" {
			initiator = "rule:" + ac.rule.Name
		}
		config := map[string]any{}
		if fixed, ok := params["configuration"].(map[string]any); ok {
			for k, v := range fixed {
				config[k] = v
			}
		}
		if refs, ok := params["configuration_fields"].(map[string]any); ok {
			for k, path := range refs {
				p, _ := path.(string)
				v, ok := condition.Lookup(ac.payload, p)
				if !ok {
					return nil, types.NewPermanentError(op, fmt.Errorf("事件载荷中没有字段 %s", p))
				}
				config[k] = v
			}
		}
		config["triggered_by_rule"] = ac.rule.ID
		if ac.eventID != "" {
			config["trigger_event_id"] = ac.eventID
		}
		id, err := e.start(ctx, workflowType, initiator, config, ac.key(index))
		if err != nil {
			return nil, err
		}
		return map[string]any{"instance_id": id, "workflow_type": workflowType}, nil

	case types.ActionCreateProcurementRequest:
		if e.services.Procurement == nil {
			return nil, types.NewPermanentError(op, fmt.Errorf("未配置采购模块"))
		}
		itemID, err := stringParam(params, ac.payload, "item_id")
		if err != nil {
			return nil, types.NewPermanentError(op, err)
		}
		quantity, err := intParam(params, ac.payload, "quantity")
		if err != nil {
			return nil, types.NewPermanentError(op, err)
		}
		vendor, _ := params["vendor_id"].(string)
		reason, _ := params["reason"].(string)
		if reason == "" {
			reason = "自动化规则 " + ac.rule.Name
		}
		id, err := e.services.Procurement.CreateProcurementRequest(ctx, collaborator.ProcurementSpec{
			ItemID:         itemID,
			Quantity:       quantity,
			VendorID:       vendor,
			Reason:         reason,
			RequestedBy:    ac.actor,
			IdempotencyKey: ac.key(index),
			Extra:          map[string]any{"rule_id": ac.rule.ID, "event_id": ac.eventID},
		})
		if err != nil {
			return nil, types.Classify(op, err)
		}
		return map[string]any{"procurement_id": id, "item_id": itemID, "quantity": quantity}, nil

	case types.ActionNotify:
		if e.notifier == nil {
			return nil, types.NewPermanentError(op, fmt.Errorf("未配置通知出口"))
		}
		recipients := stringList(params["recipients"])
		if field, ok := params["recipients_field"].(string); ok && field != "" {
			v, found := condition.Lookup(ac.payload, field)
			if !found {
				return nil, types.NewPermanentError(op, fmt.Errorf("事件载荷中没有字段 %s", field))
			}
			recipients = append(recipients, stringList(v)...)
		}
		if len(recipients) == 0 {
			return nil, types.NewPermanentError(op, fmt.Errorf("通知没有接收人"))
		}
		channel := types.ChannelInApp
		if c, ok := params["channel"].(string); ok && c != "" {
			channel = types.Channel(c)
		}
		priority, _ := params["priority"].(string)
		subject, _ := params["subject"].(string)
		body, _ := params["body"].(string)
		err := e.notifier.SendDirect(ctx, types.OutboundMessage{
			Recipients: recipients,
			Channel:    channel,
			Subject:    subject,
			Body:       body,
			Priority:   priority,
			EntityType: "automation_rule",
			EntityID:   ac.rule.ID,
			EventID:    ac.eventID,
			Data:       ac.payload,
		})
		if err != nil {
			return nil, types.Classify(op, err)
		}
		return map[string]any{"recipients": recipients, "channel": string(channel)}, nil

	case types.ActionSetAssetStatus:
		if e.services.Assets == nil {
			return nil, types.NewPermanentError(op, fmt.Errorf("未配置资产模块"))
		}
		assetID, err := stringParam(params, ac.payload, "asset_id")
		if err != nil {
			return nil, types.NewPermanentError(op, err)
		}
		status, _ := params["status"].(string)
		if err := e.services.Assets.SetAssetStatus(ctx, assetID, status, ac.actor); err != nil {
			return nil, types.Classify(op, err)
		}
		return map[string]any{"asset_id": assetID, "status": status}, nil

	case types.ActionSetRequestStatus:
		if e.services.Requests == nil {
			return nil, types.NewPermanentError(op, fmt.Errorf("未配置申请模块"))
		}
		requestID, err := stringParam(params, ac.payload, "request_id")
		if err != nil {
			return nil, types.NewPermanentError(op, err)
		}
		status, _ := params["status"].(string)
		if err := e.services.Requests.SetRequestStatus(ctx, requestID, status); err != nil {
			return nil, types.Classify(op, err)
		}
		return map[string]any{"request_id": requestID, "status": status}, nil
	}
	return nil, types.NewValidationError(op, fmt.Sprintf("未知的动作类型: %s", a.Kind))
}

// lookupParam 优先取直接给出的参数，否则按 <name>_field 从载荷读取
func lookupParam(params, payload map[string]any, name string) (any, error) {
	if v, ok := params[name]; ok && v != nil && fmt.Sprint(v) != "" {
		return v, nil
	}
	field, _ := params[name+"_field"].(string)
	if field == "" {
		return nil, fmt.Errorf("缺少参数 %s", name)
	}
	v, ok := condition.Lookup(payload, field)
	if !ok || v == nil {
		return nil, fmt.Errorf("事件载荷中没有字段 %s", field)
	}
	return v, nil
}

func stringParam(params, payload map[string]any, name string) (string, error) {
	v, err := lookupParam(params, payload, name)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", fmt.Errorf("参数 %s 为空", name)
	}
	return s, nil
}

func intParam(params, payload map[string]any, name string) (int, error) {
	v, err := lookupParam(params, payload, name)
	if err != nil {
		return 0, err
	}
	var n int
	switch val := v.(type) {
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("参数 %s 不是整数: %v", name, val)
		}
		n = int(val)
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, fmt.Errorf("参数 %s 不是整数: %v", name, val)
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("参数 %s 不是整数: %q", name, val)
		}
		n = i
	default:
		return 0, fmt.Errorf("参数 %s 类型不支持: %T", name, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("参数 %s 必须大于0", name)
	}
	return n, nil
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return []string{s}
		}
	}
	return nil
}
