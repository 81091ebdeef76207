package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/condition"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// service_call 支持的操作
const (
	OpSetAssetStatus           = "set_asset_status"
	OpSetRequestStatus         = "set_request_status"
	OpCreateProcurementRequest = "create_procurement_request"
)

// 审批决定
const (
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
	DecisionAutoApproved = "auto_approved"
)

type validationParams struct {
	Required []string `json:"required" validate:"required,min=1,dive,required"`
}

type dataValidationParams struct {
	Condition string `json:"condition" validate:"required"`
	Message   string `json:"message"`
}

type resourceAllocationParams struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type serviceCallParams struct {
	Operation string `json:"operation" validate:"required,oneof=set_asset_status set_request_status create_procurement_request"`
	AssetID   string `json:"asset_id" validate:"required_if=Operation set_asset_status"`
	RequestID string `json:"request_id" validate:"required_if=Operation set_request_status"`
	Status    string `json:"status" validate:"required_unless=Operation create_procurement_request"`
	ItemID    string `json:"item_id" validate:"required_if=Operation create_procurement_request"`
	Quantity  int    `json:"quantity" validate:"required_if=Operation create_procurement_request"`
	VendorID  string `json:"vendor_id"`
	Reason    string `json:"reason"`
}

type notificationParams struct {
	Recipients      []string `json:"recipients"`
	NotifyInitiator bool     `json:"notify_initiator"`
	Channel         string   `json:"channel" validate:"omitempty,oneof=email sms push in_app"`
	Subject         string   `json:"subject" validate:"required"`
	Body            string   `json:"body"`
	Priority        string   `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type approvalGateParams struct {
	Amount           *float64 `json:"amount"`
	AutoApproveBelow *float64 `json:"auto_approve_below"`
	Approvers        []string `json:"approvers"`
}

type escalationParams struct {
	Recipients []string `json:"recipients" validate:"required,min=1"`
	Reason     string   `json:"reason"`
	RequestID  string   `json:"request_id"`
	Status     string   `json:"status"`
	Channel    string   `json:"channel" validate:"omitempty,oneof=email sms push in_app"`
}

// paramTargets 定义加载时用于校验参数的结构体
var paramTargets = map[types.StepKind]func() any{
	types.StepKindValidation:         func() any { return &validationParams{} },
	types.StepKindDataValidation:     func() any { return &dataValidationParams{} },
	types.StepKindResourceAllocation: func() any { return &resourceAllocationParams{} },
	types.StepKindServiceCall:        func() any { return &serviceCallParams{} },
	types.StepKindNotification:       func() any { return &notificationParams{} },
	types.StepKindApprovalGate:       func() any { return &approvalGateParams{} },
	types.StepKindEscalation:         func() any { return &escalationParams{} },
}

// ApprovalPendingError 审批关卡尚无决定
type ApprovalPendingError struct {
	Step      string
	Approvers []string
	Payload   map[string]any
}

func (e *ApprovalPendingError) Error() string {
	return fmt.Sprintf("步骤 %s 等待审批", e.Step)
}

func (e *ApprovalPendingError) Unwrap() error {
	return types.ErrApprovalPending
}

func noCompensation(req Request) *types.CompensationAction {
	return &types.CompensationAction{Kind: req.Step.Kind, Key: req.Key, None: true}
}

// validation: 必填配置项存在且非空

type validationHandler struct{}

func (h *validationHandler) Kind() types.StepKind { return types.StepKindValidation }

func (h *validationHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p validationParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	var missing []string
	for _, key := range p.Required {
		v, ok := condition.Lookup(req.Data, key)
		if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Result{}, types.NewPermanentError("step.validation", fmt.Errorf("缺少必填配置: %s", strings.Join(missing, ", ")))
	}
	return Result{Output: map[string]any{"validated": p.Required}, Compensation: noCompensation(req)}, nil
}

func (h *validationHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	return nil
}

// data_validation: 条件表达式在步骤数据上求值

type dataValidationHandler struct{}

func (h *dataValidationHandler) Kind() types.StepKind { return types.StepKindDataValidation }

func (h *dataValidationHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p dataValidationParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	cond, err := condition.Parse(p.Condition)
	if err != nil {
		return Result{}, types.NewValidationError("step.data_validation", fmt.Sprintf("条件表达式错误: %v", err))
	}
	ok, err := cond.Evaluate(req.Data)
	if err != nil {
		return Result{}, types.NewPermanentError("step.data_validation", err)
	}
	if !ok {
		msg := p.Message
		if msg == "" {
			msg = "数据校验未通过: " + p.Condition
		}
		return Result{}, types.NewPermanentError("step.data_validation", fmt.Errorf("%s", msg))
	}
	return Result{Output: map[string]any{"condition": p.Condition, "passed": true}, Compensation: noCompensation(req)}, nil
}

func (h *dataValidationHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	return nil
}

// resource_allocation: 预留库存，逆操作释放

type resourceAllocationHandler struct {
	inventory collaborator.InventoryService
}

func (h *resourceAllocationHandler) Kind() types.StepKind { return types.StepKindResourceAllocation }

func (h *resourceAllocationHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p resourceAllocationParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	if h.inventory == nil {
		return Result{}, types.NewPermanentError("step.resource_allocation", fmt.Errorf("未配置库存服务"))
	}
	r, err := h.inventory.ReserveStock(ctx, p.ItemID, p.Quantity, req.Key)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: map[string]any{"reservation_id": r.ID, "item_id": p.ItemID, "quantity": p.Quantity},
		Compensation: &types.CompensationAction{
			Kind:   h.Kind(),
			Key:    req.Key,
			Params: map[string]any{"item_id": p.ItemID, "reservation_id": r.ID},
		},
	}, nil
}

func (h *resourceAllocationHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	if h.inventory == nil {
		return fmt.Errorf("未配置库存服务")
	}
	itemID, _ := action.Params["item_id"].(string)
	return h.inventory.ReleaseStock(ctx, itemID, action.Key)
}

// service_call: 修改资产/申请状态或创建采购申请，记录原状态用于恢复

type serviceCallHandler struct {
	services collaborator.Services
	priors   *priorStatus
}

func (h *serviceCallHandler) Kind() types.StepKind { return types.StepKindServiceCall }

func (h *serviceCallHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p serviceCallParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	comp := &types.CompensationAction{Kind: h.Kind(), Key: req.Key, Params: map[string]any{"operation": p.Operation}}

	switch p.Operation {
	case OpSetAssetStatus:
		if h.services.Assets == nil {
			return Result{}, types.NewPermanentError("step.service_call", fmt.Errorf("未配置资产服务"))
		}
		previous, err := h.priors.capture(req.Key, func() (string, error) {
			return h.services.Assets.GetAssetStatus(ctx, p.AssetID)
		})
		if err != nil {
			return Result{}, err
		}
		if err := h.services.Assets.SetAssetStatus(ctx, p.AssetID, p.Status, req.Actor); err != nil {
			// 写入可能已生效，按原值写回
			return Result{}, restore(ctx, err, func(rctx context.Context) error {
				return h.services.Assets.SetAssetStatus(rctx, p.AssetID, previous, "compensation")
			})
		}
		comp.Params["asset_id"] = p.AssetID
		comp.Params["status"] = previous
		return Result{
			Output:       map[string]any{"asset_id": p.AssetID, "previous_status": previous, "status": p.Status},
			Compensation: comp,
		}, nil

	case OpSetRequestStatus:
		if h.services.Requests == nil {
			return Result{}, types.NewPermanentError("step.service_call", fmt.Errorf("未配置申请服务"))
		}
		previous, err := h.priors.capture(req.Key, func() (string, error) {
			return h.services.Requests.GetRequestStatus(ctx, p.RequestID)
		})
		if err != nil {
			return Result{}, err
		}
		if err := h.services.Requests.SetRequestStatus(ctx, p.RequestID, p.Status); err != nil {
			return Result{}, restore(ctx, err, func(rctx context.Context) error {
				return h.services.Requests.SetRequestStatus(rctx, p.RequestID, previous)
			})
		}
		comp.Params["request_id"] = p.RequestID
		comp.Params["status"] = previous
		return Result{
			Output:       map[string]any{"request_id": p.RequestID, "previous_status": previous, "status": p.Status},
			Compensation: comp,
		}, nil

	default:
		if h.services.Procurement == nil {
			return Result{}, types.NewPermanentError("step.service_call", fmt.Errorf("未配置采购服务"))
		}
		id, err := h.services.Procurement.CreateProcurementRequest(ctx, collaborator.ProcurementSpec{
			ItemID:         p.ItemID,
			Quantity:       p.Quantity,
			VendorID:       p.VendorID,
			Reason:         p.Reason,
			RequestedBy:    req.Actor,
			IdempotencyKey: req.Key,
		})
		if err != nil {
			return Result{}, err
		}
		comp.Params["procurement_id"] = id
		return Result{
			Output:       map[string]any{"procurement_id": id, "item_id": p.ItemID, "quantity": p.Quantity},
			Compensation: comp,
		}, nil
	}
}

func (h *serviceCallHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	op, _ := action.Params["operation"].(string)
	str := func(key string) string {
		s, _ := action.Params[key].(string)
		return s
	}
	switch op {
	case OpSetAssetStatus:
		return h.services.Assets.SetAssetStatus(ctx, str("asset_id"), str("status"), "compensation")
	case OpSetRequestStatus:
		return h.services.Requests.SetRequestStatus(ctx, str("request_id"), str("status"))
	case OpCreateProcurementRequest:
		return h.services.Procurement.CancelProcurementRequest(ctx, str("procurement_id"))
	default:
		return fmt.Errorf("未知的服务调用操作: %q", op)
	}
}

// notification: 发给指定接收人，无逆操作

type notificationHandler struct {
	notifier Notifier
}

func (h *notificationHandler) Kind() types.StepKind { return types.StepKindNotification }

func (h *notificationHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p notificationParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	recipients := append([]string(nil), p.Recipients...)
	if p.NotifyInitiator && req.Instance.Initiator != "" {
		recipients = append(recipients, req.Instance.Initiator)
	}
	if len(recipients) == 0 {
		return Result{}, types.NewValidationError("step.notification", "没有接收人")
	}
	if h.notifier == nil {
		return Result{}, types.NewPermanentError("step.notification", fmt.Errorf("未配置通知出口"))
	}
	channel := types.Channel(p.Channel)
	if channel == "" {
		channel = types.ChannelInApp
	}
	priority := p.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	err := h.notifier.SendDirect(ctx, types.OutboundMessage{
		Recipients: recipients,
		Channel:    channel,
		Subject:    p.Subject,
		Body:       p.Body,
		Priority:   priority,
		EntityType: "workflow_instance",
		EntityID:   req.Instance.ID,
		Data:       map[string]any{"step": req.Step.Name, "workflow_type": req.Instance.WorkflowType},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]any{"recipients": recipients, "channel": string(channel)}, Compensation: noCompensation(req)}, nil
}

func (h *notificationHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	return nil
}

// approval_gate: 低于阈值自动通过；否则读取配置 approvals.<step> 中的决定

type approvalGateHandler struct{}

func (h *approvalGateHandler) Kind() types.StepKind { return types.StepKindApprovalGate }

func (h *approvalGateHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p approvalGateParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	if p.AutoApproveBelow != nil && p.Amount != nil && *p.Amount < *p.AutoApproveBelow {
		return Result{
			Output:       map[string]any{"decision": DecisionAutoApproved, "amount": *p.Amount},
			Compensation: noCompensation(req),
		}, nil
	}

	decision, actor, comment := Decision(req.Data, req.Step.Name)
	switch decision {
	case DecisionApproved:
		return Result{
			Output:       map[string]any{"decision": DecisionApproved, "decided_by": actor, "comment": comment},
			Compensation: noCompensation(req),
		}, nil
	case DecisionRejected:
		return Result{}, types.NewPermanentError("step.approval_gate", fmt.Errorf("审批被 %s 拒绝: %s", actor, comment))
	}

	payload := map[string]any{"workflow_type": req.Instance.WorkflowType, "initiator": req.Instance.Initiator}
	if p.Amount != nil {
		payload["amount"] = *p.Amount
	}
	return Result{}, &ApprovalPendingError{Step: req.Step.Name, Approvers: p.Approvers, Payload: payload}
}

func (h *approvalGateHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	return nil
}

// Decision 读取 approvals.<step> 中记录的审批决定
// 取值可以是 "approved"/"rejected"，也可以是 {decision, decided_by, comment}
func Decision(data map[string]any, stepName string) (decision, actor, comment string) {
	raw, ok := condition.Lookup(data, "approvals")
	if !ok {
		return "", "", ""
	}
	approvals, ok := raw.(map[string]any)
	if !ok {
		return "", "", ""
	}
	switch v := approvals[stepName].(type) {
	case string:
		return v, "", ""
	case map[string]any:
		decision, _ = v["decision"].(string)
		actor, _ = v["decided_by"].(string)
		comment, _ = v["comment"].(string)
		return decision, actor, comment
	}
	return "", "", ""
}

// escalation: 高优先级通知，可选地把申请置为 escalated，逆操作恢复原状态

type escalationHandler struct {
	notifier Notifier
	requests collaborator.RequestService
	priors   *priorStatus
}

func (h *escalationHandler) Kind() types.StepKind { return types.StepKindEscalation }

func (h *escalationHandler) Execute(ctx context.Context, req Request) (Result, error) {
	var p escalationParams
	if err := decodeParams(h.Kind(), req.Params, &p); err != nil {
		return Result{}, err
	}
	if h.notifier == nil {
		return Result{}, types.NewPermanentError("step.escalation", fmt.Errorf("未配置通知出口"))
	}

	output := map[string]any{"recipients": p.Recipients}
	comp := noCompensation(req)
	// undo 通知失败时撤销已写入的状态，步骤未完成就不会进入补偿
	undo := func(err error) error { return err }
	if p.RequestID != "" && h.requests != nil {
		status := p.Status
		if status == "" {
			status = "escalated"
		}
		previous, err := h.priors.capture(req.Key, func() (string, error) {
			return h.requests.GetRequestStatus(ctx, p.RequestID)
		})
		if err != nil {
			return Result{}, err
		}
		undo = func(err error) error {
			return restore(ctx, err, func(rctx context.Context) error {
				return h.requests.SetRequestStatus(rctx, p.RequestID, previous)
			})
		}
		if err := h.requests.SetRequestStatus(ctx, p.RequestID, status); err != nil {
			return Result{}, undo(err)
		}
		output["request_id"] = p.RequestID
		output["previous_status"] = previous
		comp = &types.CompensationAction{
			Kind:   h.Kind(),
			Key:    req.Key,
			Params: map[string]any{"request_id": p.RequestID, "status": previous},
		}
	}

	channel := types.Channel(p.Channel)
	if channel == "" {
		channel = types.ChannelEmail
	}
	reason := p.Reason
	if reason == "" {
		reason = fmt.Sprintf("工作流 %s 需要人工介入", req.Instance.WorkflowType)
	}
	if err := h.notifier.SendDirect(ctx, types.OutboundMessage{
		Recipients: p.Recipients,
		Channel:    channel,
		Subject:    "[升级] " + req.Instance.WorkflowType,
		Body:       reason,
		Priority:   types.PriorityUrgent,
		EntityType: "workflow_instance",
		EntityID:   req.Instance.ID,
		Data:       map[string]any{"step": req.Step.Name},
	}); err != nil {
		return Result{}, undo(err)
	}
	return Result{Output: output, Compensation: comp}, nil
}

func (h *escalationHandler) Compensate(ctx context.Context, action types.CompensationAction) error {
	requestID, _ := action.Params["request_id"].(string)
	status, _ := action.Params["status"].(string)
	if requestID == "" || h.requests == nil {
		return nil
	}
	return h.requests.SetRequestStatus(ctx, requestID, status)
}
