package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// SMTPConfig 邮件渠道配置
type SMTPConfig struct {
	Host     string `yaml:"host" validate:"required_with=From"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

// EmailSender 通过SMTP发送邮件
type EmailSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender 创建邮件渠道
func NewEmailSender(cfg SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" {
		return nil, types.NewValidationError("notify.email", "smtp host不能为空")
	}
	if cfg.From == "" {
		return nil, types.NewValidationError("notify.email", "发件人地址不能为空")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	s := &EmailSender{cfg: cfg}
	s.sendMail = s.deliver
	return s, nil
}

// Channel 实现 Sender
func (s *EmailSender) Channel() types.Channel { return types.ChannelEmail }

// Send 实现 Sender；SMTP 只能确认服务器已接收，状态停在 sent
func (s *EmailSender) Send(ctx context.Context, n *types.Notification) (bool, error) {
	const op = "notify.email"
	if !strings.Contains(n.Recipient, "@") {
		return false, types.NewPermanentError(op, fmt.Errorf("收件人 %q 不是邮件地址", n.Recipient))
	}
	if err := ctx.Err(); err != nil {
		return false, types.NewTransientError(op, err)
	}
	msg := buildMessage(s.cfg.From, n.Recipient, n.Subject, n.Body, n.Priority)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	done := make(chan error, 1)
	go func() { done <- s.sendMail(addr, auth, s.cfg.From, []string{n.Recipient}, []byte(msg)) }()
	select {
	case err := <-done:
		if err != nil {
			return false, classifySMTP(op, err)
		}
		return false, nil
	case <-ctx.Done():
		return false, types.NewTransientError(op, ctx.Err())
	}
}

// deliver 465 端口走隐式TLS，其余端口由 smtp.SendMail 协商 STARTTLS
func (s *EmailSender) deliver(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	if s.cfg.Port != 465 {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return fmt.Errorf("TLS连接失败: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人失败: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("获取数据写入器失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("关闭数据写入器失败: %w", err)
	}
	return client.Quit()
}

// classifySMTP 5xx 回复为永久失败，其余（4xx、网络错误）可重试
func classifySMTP(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return types.NewPermanentError(op, err)
	}
	return types.NewTransientError(op, err)
}

func buildMessage(from, to, subject, body, priority string) string {
	contentType := "text/plain"
	if IsHTML(body) {
		contentType = "text/html"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	if priority == types.PriorityHigh || priority == types.PriorityUrgent {
		b.WriteString("X-Priority: 1\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
