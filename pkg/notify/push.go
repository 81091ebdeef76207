package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

const (
	pushWriteWait  = 5 * time.Second
	pushPongWait   = 60 * time.Second
	pushPingPeriod = pushPongWait * 9 / 10
)

// pushClient 一个已连接的 websocket 客户端，写操作串行化
type pushClient struct {
	recipient string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *pushClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(pushWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *pushClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// PushMessage 推送给客户端的消息体
type PushMessage struct {
	ID         string         `json:"id"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Priority   string         `json:"priority"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Hub 按接收人管理 websocket 连接的推送渠道
// 至少一个连接写入成功即视为送达；没有在线连接时停在 sent
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]map[*pushClient]struct{}
	wg       sync.WaitGroup
	log      *logrus.Entry
}

// NewHub 创建推送渠道
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*pushClient]struct{}),
		log:     logging.WithModule("push"),
	}
}

// Channel 实现 Sender
func (h *Hub) Channel() types.Channel { return types.ChannelPush }

// ServeWS 升级连接并注册到接收人，连接关闭后自动注销
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipient string) error {
	if recipient == "" {
		return types.NewValidationError("notify.push", "recipient不能为空")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("升级websocket连接失败: %w", err)
	}
	c := &pushClient{recipient: recipient, conn: conn, done: make(chan struct{})}

	h.mu.Lock()
	if h.clients[recipient] == nil {
		h.clients[recipient] = make(map[*pushClient]struct{})
	}
	h.clients[recipient][c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("recipient", recipient).Info("✅ [推送] 客户端已连接")

	h.wg.Add(2)
	go h.readLoop(c)
	go h.pingLoop(c)
	return nil
}

// readLoop 只处理控制帧，读出错即断开
func (h *Hub) readLoop(c *pushClient) {
	defer h.wg.Done()
	defer h.unregister(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(c *pushClient) {
	defer h.wg.Done()
	ticker := time.NewTicker(pushPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) unregister(c *pushClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.recipient]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.recipient)
		}
	}
	h.mu.Unlock()
	c.close()
	h.log.WithField("recipient", c.recipient).Debug("[推送] 客户端已断开")
}

// Connected 接收人当前的连接数
func (h *Hub) Connected(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipient])
}

// Send 实现 Sender
func (h *Hub) Send(ctx context.Context, n *types.Notification) (bool, error) {
	const op = "notify.push"
	if err := ctx.Err(); err != nil {
		return false, types.NewTransientError(op, err)
	}
	data, err := json.Marshal(PushMessage{
		ID:         n.ID,
		Subject:    n.Subject,
		Body:       n.Body,
		Priority:   n.Priority,
		EntityType: n.EntityType,
		EntityID:   n.EntityID,
		Data:       n.Data,
		CreatedAt:  n.CreatedAt,
	})
	if err != nil {
		return false, types.NewPermanentError(op, err)
	}

	h.mu.RLock()
	targets := make([]*pushClient, 0, len(h.clients[n.Recipient]))
	for c := range h.clients[n.Recipient] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.log.WithField("recipient", n.Recipient).WithError(err).Warn("⚠️ [推送] 写入失败，断开连接")
			c.close()
			continue
		}
		delivered = true
	}
	return delivered, nil
}

// Close 断开全部连接并等待连接协程退出
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*pushClient, 0)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		c.close()
	}
	h.wg.Wait()
}
