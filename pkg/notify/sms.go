package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// 单条短信最大字符数，超出部分截断
const smsMaxRunes = 480

// SMSConfig 短信网关配置
type SMSConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key"`
	Sender   string        `yaml:"sender"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMSSender 通过HTTP短信网关发送
type SMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

type smsPayload struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
	Ref     string `json:"reference"`
}

// NewSMSSender 创建短信渠道
func NewSMSSender(cfg SMSConfig) (*SMSSender, error) {
	if cfg.Endpoint == "" {
		return nil, types.NewValidationError("notify.sms", "短信网关地址不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Channel 实现 Sender
func (s *SMSSender) Channel() types.Channel { return types.ChannelSMS }

// Send 正文转为纯文本后提交网关；5xx/429/网络错误可重试，其他 4xx 为永久失败
func (s *SMSSender) Send(ctx context.Context, n *types.Notification) (bool, error) {
	const op = "notify.sms"
	text := PlainText(n.Body)
	if text == "" {
		text = n.Subject
	} else if n.Subject != "" {
		text = n.Subject + "\n" + text
	}
	body, err := json.Marshal(smsPayload{
		To:      n.Recipient,
		From:    s.cfg.Sender,
		Message: truncateRunes(text, smsMaxRunes),
		Ref:     n.ID,
	})
	if err != nil {
		return false, types.NewPermanentError(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, types.NewPermanentError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, types.NewTransientError(op, fmt.Errorf("请求短信网关失败: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, types.NewTransientError(op, fmt.Errorf("短信网关返回 %d: %s", resp.StatusCode, gatewayMessage(raw)))
	default:
		return false, types.NewPermanentError(op, fmt.Errorf("短信网关拒绝 %d: %s", resp.StatusCode, gatewayMessage(raw)))
	}
}

// gatewayMessage 网关错误页可能是HTML，只保留文本
func gatewayMessage(raw []byte) string {
	return truncateRunes(PlainText(string(raw)), 200)
}
