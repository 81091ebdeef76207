// Package httpclient 通过REST接口访问协作模块
// 5xx/429/超时归为 Transient，其余 4xx 归为 Permanent，每个模块一个熔断器
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/LENAX/asset-flow/pkg/collaborator"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

const (
	serviceAssets      = "assets"
	serviceInventory   = "inventory"
	serviceRequests    = "requests"
	serviceProcurement = "procurement"

	// HeaderIdempotencyKey 幂等键请求头
	HeaderIdempotencyKey = "Idempotency-Key"
)

// BreakerSettings 熔断配置
type BreakerSettings struct {
	MaxRequests         uint32        // 半开状态允许的请求数
	Interval            time.Duration // 关闭状态下计数清零周期
	Timeout             time.Duration // 打开状态持续时间
	ConsecutiveFailures uint32        // 连续失败多少次后打开
}

// Options 客户端配置
type Options struct {
	AssetsURL      string
	InventoryURL   string
	RequestsURL    string
	ProcurementURL string
	Timeout        time.Duration
	Breaker        BreakerSettings
	HTTPClient     *http.Client
}

// Client 协作模块HTTP客户端（对外导出）
type Client struct {
	opts     Options
	http     *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	log      *logrus.Entry
}

var (
	_ collaborator.AssetService       = (*Client)(nil)
	_ collaborator.InventoryService   = (*Client)(nil)
	_ collaborator.RequestService     = (*Client)(nil)
	_ collaborator.ProcurementService = (*Client)(nil)
)

// New 创建客户端
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Breaker.MaxRequests == 0 {
		opts.Breaker.MaxRequests = 1
	}
	if opts.Breaker.Interval == 0 {
		opts.Breaker.Interval = 30 * time.Second
	}
	if opts.Breaker.Timeout == 0 {
		opts.Breaker.Timeout = 60 * time.Second
	}
	if opts.Breaker.ConsecutiveFailures == 0 {
		opts.Breaker.ConsecutiveFailures = 5
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		opts:     opts,
		http:     httpClient,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logging.WithModule("collaborator.http"),
	}
	for _, name := range []string{serviceAssets, serviceInventory, serviceRequests, serviceProcurement} {
		c.breakers[name] = c.newBreaker(name)
	}
	return c
}

// Services 以同一客户端填充全部协作接口
func (c *Client) Services() collaborator.Services {
	return collaborator.Services{Assets: c, Inventory: c, Requests: c, Procurement: c}
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := c.opts.Breaker.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: c.opts.Breaker.MaxRequests,
		Interval:    c.opts.Breaker.Interval,
		Timeout:     c.opts.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 业务性的 4xx 不计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || !types.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{"service": name, "from": from.String(), "to": to.String()}).
				Warn("⚠️ [协作模块] 熔断器状态变化")
		},
	})
}

// BreakerState 返回模块熔断器状态
func (c *Client) BreakerState(service string) gobreaker.State {
	if cb, ok := c.breakers[service]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (c *Client) GetAssetStatus(ctx context.Context, assetID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.call(ctx, serviceAssets, http.MethodGet, c.opts.AssetsURL, "/assets/"+url.PathEscape(assetID)+"/status", "", nil, &out)
	return out.Status, err
}

func (c *Client) SetAssetStatus(ctx context.Context, assetID, status, actor string) error {
	body := map[string]string{"status": status, "actor": actor}
	return c.call(ctx, serviceAssets, http.MethodPut, c.opts.AssetsURL, "/assets/"+url.PathEscape(assetID)+"/status", "", body, nil)
}

func (c *Client) GetStockLevel(ctx context.Context, itemID string) (collaborator.StockLevel, error) {
	var out collaborator.StockLevel
	err := c.call(ctx, serviceInventory, http.MethodGet, c.opts.InventoryURL, "/items/"+url.PathEscape(itemID)+"/stock", "", nil, &out)
	if out.ItemID == "" {
		out.ItemID = itemID
	}
	return out, err
}

func (c *Client) ReserveStock(ctx context.Context, itemID string, quantity int, key string) (collaborator.Reservation, error) {
	var out collaborator.Reservation
	body := map[string]any{"quantity": quantity, "key": key}
	err := c.call(ctx, serviceInventory, http.MethodPost, c.opts.InventoryURL, "/items/"+url.PathEscape(itemID)+"/reservations", key, body, &out)
	return out, err
}

func (c *Client) ReleaseStock(ctx context.Context, itemID, key string) error {
	path := "/items/" + url.PathEscape(itemID) + "/reservations/" + url.PathEscape(key)
	err := c.call(ctx, serviceInventory, http.MethodDelete, c.opts.InventoryURL, path, key, nil, nil)
	// 预留不存在视为已释放
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.call(ctx, serviceRequests, http.MethodGet, c.opts.RequestsURL, "/requests/"+url.PathEscape(requestID)+"/status", "", nil, &out)
	return out.Status, err
}

func (c *Client) SetRequestStatus(ctx context.Context, requestID, status string) error {
	body := map[string]string{"status": status}
	return c.call(ctx, serviceRequests, http.MethodPut, c.opts.RequestsURL, "/requests/"+url.PathEscape(requestID)+"/status", "", body, nil)
}

func (c *Client) CreateProcurementRequest(ctx context.Context, spec collaborator.ProcurementSpec) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, serviceProcurement, http.MethodPost, c.opts.ProcurementURL, "/procurement-requests", spec.IdempotencyKey, spec, &out)
	if err == nil && out.ID == "" {
		return "", types.NewPermanentError("CreateProcurementRequest", errors.New("响应缺少采购申请ID"))
	}
	return out.ID, err
}

func (c *Client) CancelProcurementRequest(ctx context.Context, id string) error {
	return c.call(ctx, serviceProcurement, http.MethodPost, c.opts.ProcurementURL, "/procurement-requests/"+url.PathEscape(id)+"/cancel", "cancel:"+id, nil, nil)
}

// StatusError 非2xx响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// call 经熔断器发送请求并按响应分类错误
func (c *Client) call(ctx context.Context, service, method, base, path, key string, body, out any) error {
	op := service + " " + method + " " + path
	if base == "" {
		return types.NewPermanentError(op, fmt.Errorf("未配置 %s 服务地址", service))
	}
	_, err := c.breakers[service].Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, strings.TrimRight(base, "/")+path, key, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewTransientError(op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, target, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return types.NewPermanentError(op, fmt.Errorf("序列化请求失败: %w", err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return types.NewPermanentError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// 网络错误、超时都可重试
		return types.NewTransientError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return types.NewTransientError(op, se)
		}
		return types.NewPermanentError(op, se)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return types.NewPermanentError(op, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}
