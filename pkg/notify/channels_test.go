package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

func TestPlainText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body><h1>库存告警</h1><p>物料 <b>ITEM-1</b> 低于补货线</p><p>当前: 3<br>补货线: 5</p></body></html>`
	text := PlainText(html)
	assert.Contains(t, text, "库存告警")
	assert.Contains(t, text, "物料 ITEM-1 低于补货线")
	assert.Contains(t, text, "当前: 3\n补货线: 5")
	assert.NotContains(t, text, "color")
	assert.NotContains(t, text, "<")

	assert.Equal(t, "a < b", PlainText(" a < b "))
}

func TestRenderer(t *testing.T) {
	r, err := NewRenderer(4)
	require.NoError(t, err)

	out, err := r.Render("实例 {{.instance_id}} {{.missing}}结束", map[string]any{"instance_id": "i-1"})
	require.NoError(t, err)
	assert.Equal(t, "实例 i-1 结束", out)

	out, err = r.Render(defaultSubjectTemplate, map[string]any{"event_type": "workflow.failed", "instance_id": "i-1"})
	require.NoError(t, err)
	assert.Equal(t, "[workflow.failed] i-1", out)

	_, err = r.Render("{{.broken", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSMSSender_ClassifiesGatewayResponses(t *testing.T) {
	var (
		status int
		reply  string
		got    smsPayload
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()

	s, err := NewSMSSender(SMSConfig{Endpoint: srv.URL, APIKey: "k-1", Sender: "ASSET"})
	require.NoError(t, err)
	n := &types.Notification{ID: "n-1", Recipient: "+8613800000000", Subject: "库存告警", Body: "<p>物料 ITEM-1 不足</p>"}

	status = http.StatusAccepted
	delivered, err := s.Send(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, "库存告警\n物料 ITEM-1 不足", got.Message)
	assert.Equal(t, "n-1", header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer k-1", header.Get("Authorization"))

	status = http.StatusServiceUnavailable
	_, err = s.Send(context.Background(), n)
	assert.ErrorIs(t, err, types.ErrTransient)

	status, reply = http.StatusBadRequest, "<html><body><h1>号码格式错误</h1></body></html>"
	_, err = s.Send(context.Background(), n)
	assert.ErrorIs(t, err, types.ErrPermanent)
	assert.Contains(t, err.Error(), "号码格式错误")
}

func TestEmailSender_BuildsMessageAndClassifies(t *testing.T) {
	s, err := NewEmailSender(SMTPConfig{Host: "smtp.example.com", From: "flow@example.com"})
	require.NoError(t, err)

	var captured string
	s.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.example.com:25", addr)
		assert.Equal(t, []string{"alice@example.com"}, to)
		captured = string(msg)
		return nil
	}
	n := &types.Notification{Recipient: "alice@example.com", Subject: "审批提醒", Body: "<p>请审批</p>", Priority: types.PriorityHigh}
	delivered, err := s.Send(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Contains(t, captured, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, captured, "X-Priority: 1")
	assert.Contains(t, captured, "Subject: =?utf-8?q?")

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	_, err = s.Send(context.Background(), n)
	assert.ErrorIs(t, err, types.ErrPermanent)

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	_, err = s.Send(context.Background(), n)
	assert.ErrorIs(t, err, types.ErrTransient)

	_, err = s.Send(context.Background(), &types.Notification{Recipient: "alice", Subject: "x"})
	assert.ErrorIs(t, err, types.ErrPermanent)

	_, err = NewEmailSender(SMTPConfig{Host: "smtp.example.com"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestHub_PushToConnectedClient(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.URL.Query().Get("recipient"))
	}))
	defer srv.Close()
	defer hub.Close()

	n := &types.Notification{ID: "n-1", Recipient: "alice", Subject: "审批提醒", CreatedAt: time.Now()}
	delivered, err := hub.Send(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, delivered)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?recipient=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("alice") == 1 }, time.Second, 10*time.Millisecond)

	delivered, err = hub.Send(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, delivered)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg PushMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "n-1", msg.ID)
	assert.Equal(t, "审批提醒", msg.Subject)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connected("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}
