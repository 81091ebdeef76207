package assetflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	wf "github.com/LENAX/asset-flow/pkg/core/engine"
	"github.com/LENAX/asset-flow/pkg/core/rules"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/notify"
)

// APIError 服务端返回的错误，Status 为HTTP状态码
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Client 资产流程服务的HTTP API客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient 替换底层 http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// call 发送请求并解开 APIResponse 信封
func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("编码请求失败: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return zero, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("请求 %s %s 失败: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("读取响应失败: %w", err)
	}
	var envelope dto.APIResponse[T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return zero, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return zero, fmt.Errorf("解析响应失败: %w", err)
	}
	if resp.StatusCode >= 400 || envelope.Code != 0 {
		return zero, &APIError{Status: resp.StatusCode, Message: envelope.Message}
	}
	return envelope.Data, nil
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func setInt(params url.Values, key string, v int) {
	if v > 0 {
		params.Set(key, strconv.Itoa(v))
	}
}

// ========== Health ==========

// Health 服务健康状态
func (c *Client) Health(ctx context.Context) (*dto.HealthResponse, error) {
	out, err := call[dto.HealthResponse](ctx, c, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== Workflow API ==========

// StartWorkflow 启动工作流实例
func (c *Client) StartWorkflow(ctx context.Context, req dto.StartWorkflowRequest) (*wf.Snapshot, error) {
	return callPtr[wf.Snapshot](ctx, c, http.MethodPost, "/api/v1/workflows", req)
}

// QueryWorkflow 查询实例快照
func (c *Client) QueryWorkflow(ctx context.Context, id string) (*wf.Snapshot, error) {
	return callPtr[wf.Snapshot](ctx, c, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil)
}

// ListWorkflows 分页列出实例
func (c *Client) ListWorkflows(ctx context.Context, q dto.InstanceQueryRequest) (*dto.ListResponse[dto.InstanceSummary], error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.WorkflowType != "" {
		params.Set("workflow_type", q.WorkflowType)
	}
	if q.Initiator != "" {
		params.Set("initiator", q.Initiator)
	}
	if q.Archived {
		params.Set("archived", "true")
	}
	setInt(params, "limit", q.Limit)
	setInt(params, "offset", q.Offset)
	return callPtr[dto.ListResponse[dto.InstanceSummary]](ctx, c, http.MethodGet, withQuery("/api/v1/workflows", params), nil)
}

// CancelWorkflow 取消实例
func (c *Client) CancelWorkflow(ctx context.Context, id, actor, reason string) (*wf.Snapshot, error) {
	return c.instanceAction(ctx, id, "cancel", actor, reason)
}

// SuspendWorkflow 挂起实例
func (c *Client) SuspendWorkflow(ctx context.Context, id, actor, reason string) (*wf.Snapshot, error) {
	return c.instanceAction(ctx, id, "suspend", actor, reason)
}

// ResumeWorkflow 恢复实例
func (c *Client) ResumeWorkflow(ctx context.Context, id, actor string) (*wf.Snapshot, error) {
	return c.instanceAction(ctx, id, "resume", actor, "")
}

func (c *Client) instanceAction(ctx context.Context, id, action, actor, reason string) (*wf.Snapshot, error) {
	body := dto.ActorRequest{Actor: actor, Reason: reason}
	return callPtr[wf.Snapshot](ctx, c, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/"+action, body)
}

// ArchiveWorkflow 归档终态实例
func (c *Client) ArchiveWorkflow(ctx context.Context, id string) error {
	_, err := call[map[string]string](ctx, c, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil)
	return err
}

// Definitions 已注册的工作流定义
func (c *Client) Definitions(ctx context.Context) ([]dto.DefinitionSummary, error) {
	return call[[]dto.DefinitionSummary](ctx, c, http.MethodGet, "/api/v1/definitions", nil)
}

// ========== Approval API ==========

// ListPendingApprovals 待审批项，source 为空表示全部
func (c *Client) ListPendingApprovals(ctx context.Context, source types.ApprovalSource) ([]*types.Approval, error) {
	params := url.Values{}
	if source != "" {
		params.Set("source", string(source))
	}
	list, err := call[dto.ListResponse[*types.Approval]](ctx, c, http.MethodGet, withQuery("/api/v1/approvals", params), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// DecideApproval 通过或拒绝审批项
func (c *Client) DecideApproval(ctx context.Context, id, actor string, approved bool, comment string) (*engine.ApprovalDecision, error) {
	action := "reject"
	if approved {
		action = "approve"
	}
	body := dto.DecisionRequest{Actor: actor, Comment: comment}
	return callPtr[engine.ApprovalDecision](ctx, c, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/"+action, body)
}

// ========== Rule API ==========

// ListRules 列出规则
func (c *Client) ListRules(ctx context.Context, q dto.RuleQueryRequest) ([]*types.AutomationRule, error) {
	params := url.Values{}
	if q.TriggerType != "" {
		params.Set("trigger_type", q.TriggerType)
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.ActiveOnly {
		params.Set("active", "true")
	}
	list, err := call[dto.ListResponse[*types.AutomationRule]](ctx, c, http.MethodGet, withQuery("/api/v1/rules", params), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetRule 查询规则
func (c *Client) GetRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return callPtr[types.AutomationRule](ctx, c, http.MethodGet, "/api/v1/rules/"+url.PathEscape(id), nil)
}

// CreateRule 创建规则
func (c *Client) CreateRule(ctx context.Context, req dto.RuleRequest) (*types.AutomationRule, error) {
	return callPtr[types.AutomationRule](ctx, c, http.MethodPost, "/api/v1/rules", req)
}

// UpdateRule 更新规则，req.Version 必须是当前版本
func (c *Client) UpdateRule(ctx context.Context, id string, req dto.RuleRequest) (*types.AutomationRule, error) {
	return callPtr[types.AutomationRule](ctx, c, http.MethodPut, "/api/v1/rules/"+url.PathEscape(id), req)
}

// DeleteRule 删除规则
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	_, err := call[map[string]string](ctx, c, http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil)
	return err
}

// EnableRule 启用规则
func (c *Client) EnableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return callPtr[types.AutomationRule](ctx, c, http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/enable", nil)
}

// DisableRule 停用规则
func (c *Client) DisableRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	return callPtr[types.AutomationRule](ctx, c, http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/disable", nil)
}

// RuleLogs 规则执行日志
func (c *Client) RuleLogs(ctx context.Context, id string, limit int) ([]*types.AutomationLog, error) {
	params := url.Values{}
	setInt(params, "limit", limit)
	list, err := call[dto.ListResponse[*types.AutomationLog]](ctx, c, http.MethodGet,
		withQuery("/api/v1/rules/"+url.PathEscape(id)+"/logs", params), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// TriggerRule 手动触发规则
func (c *Client) TriggerRule(ctx context.Context, id, actor string, payload map[string]any) (*rules.Evaluation, error) {
	body := dto.TriggerRuleRequest{Actor: actor, Payload: payload}
	return callPtr[rules.Evaluation](ctx, c, http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/trigger", body)
}

// ========== Event API ==========

// PublishEvent 异步发布领域事件
func (c *Client) PublishEvent(ctx context.Context, req dto.DomainEventRequest) error {
	req.Sync = false
	_, err := call[map[string]string](ctx, c, http.MethodPost, "/api/v1/events", req)
	return err
}

// EvaluateEvent 同步评估领域事件并返回规则执行结果
func (c *Client) EvaluateEvent(ctx context.Context, req dto.DomainEventRequest) (*rules.Evaluation, error) {
	req.Sync = true
	return callPtr[rules.Evaluation](ctx, c, http.MethodPost, "/api/v1/events", req)
}

// ListEvents 查询事件日志
func (c *Client) ListEvents(ctx context.Context, q dto.EventQueryRequest) ([]*types.WorkflowEvent, error) {
	params := url.Values{}
	if q.InstanceID != "" {
		params.Set("instance_id", q.InstanceID)
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	setInt(params, "limit", q.Limit)
	list, err := call[dto.ListResponse[*types.WorkflowEvent]](ctx, c, http.MethodGet, withQuery("/api/v1/events", params), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// ========== Notification API ==========

// ListNotifications 查询通知
func (c *Client) ListNotifications(ctx context.Context, q dto.NotificationQueryRequest) ([]*types.Notification, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Recipient != "" {
		params.Set("recipient", q.Recipient)
	}
	if q.Channel != "" {
		params.Set("channel", q.Channel)
	}
	if q.Transient {
		params.Set("transient", "true")
	}
	setInt(params, "limit", q.Limit)
	list, err := call[dto.ListResponse[*types.Notification]](ctx, c, http.MethodGet, withQuery("/api/v1/notifications", params), nil)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// MarkNotificationRead 标记通知已读
func (c *Client) MarkNotificationRead(ctx context.Context, id string) (*types.Notification, error) {
	return callPtr[types.Notification](ctx, c, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil)
}

// ReplayFailedNotifications 重放瞬时失败的通知
func (c *Client) ReplayFailedNotifications(ctx context.Context, req dto.ReplayRequest) (*notify.ReplayResult, error) {
	return callPtr[notify.ReplayResult](ctx, c, http.MethodPost, "/api/v1/notifications/replay", req)
}

func callPtr[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	out, err := call[T](ctx, c, method, path, body)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
