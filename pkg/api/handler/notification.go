package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/logging"
	"github.com/LENAX/asset-flow/pkg/notify"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// NotificationHandler 通知与订阅API处理器
type NotificationHandler struct {
	engine *engine.Engine
	log    *logrus.Entry
}

// NewNotificationHandler 创建NotificationHandler
func NewNotificationHandler(eng *engine.Engine) *NotificationHandler {
	return &NotificationHandler{engine: eng, log: logging.WithModule("api")}
}

// List 查询通知
// GET /api/v1/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	var query dto.NotificationQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}
	list, err := h.engine.ListNotifications(c.Request.Context(), storage.NotificationFilter{
		Status:        types.NotificationStatus(query.Status),
		Recipient:     query.Recipient,
		Channel:       types.Channel(query.Channel),
		TransientOnly: query.Transient,
		Limit:         query.Limit,
	})
	if err != nil {
		respondError(c, "查询通知失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.Notification]{
		Total: len(list),
		Items: list,
	}))
}

// Read 标记通知已读
// POST /api/v1/notifications/:id/read
func (h *NotificationHandler) Read(c *gin.Context) {
	n, err := h.engine.MarkNotificationRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "标记已读失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(n))
}

// Replay 重放瞬时失败的通知
// POST /api/v1/notifications/replay
func (h *NotificationHandler) Replay(c *gin.Context) {
	var req dto.ReplayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}
	result, err := h.engine.ReplayFailedNotifications(c.Request.Context(), notify.ReplayFilter{
		Recipient: req.Recipient,
		Channel:   req.Channel,
		Limit:     req.Limit,
	})
	if err != nil {
		respondError(c, "重放通知失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(result))
}

// ListSubscriptions 查询事件订阅
// GET /api/v1/subscriptions?event_type=
func (h *NotificationHandler) ListSubscriptions(c *gin.Context) {
	list, err := h.engine.ListSubscriptions(c.Request.Context(), types.EventType(c.Query("event_type")))
	if err != nil {
		respondError(c, "查询订阅失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.EventSubscription]{
		Total: len(list),
		Items: list,
	}))
}

// CreateSubscription 创建事件订阅
// POST /api/v1/subscriptions
func (h *NotificationHandler) CreateSubscription(c *gin.Context) {
	var req dto.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	sub, err := h.engine.CreateSubscription(c.Request.Context(), req.ToSubscription())
	if err != nil {
		respondError(c, "创建订阅失败", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(sub))
}

// DeleteSubscription 删除事件订阅
// DELETE /api/v1/subscriptions/:id
func (h *NotificationHandler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.DeleteSubscription(c.Request.Context(), id); err != nil {
		respondError(c, "删除订阅失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "订阅已删除",
		"id":      id,
	}))
}

// WebSocket 推送通道，连接按接收人登记
// GET /ws/notifications?recipient=
func (h *NotificationHandler) WebSocket(c *gin.Context) {
	hub := h.engine.Hub()
	if hub == nil {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, "推送渠道未启用"))
		return
	}
	recipient := strings.TrimSpace(c.Query("recipient"))
	if recipient == "" {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, "recipient 不能为空"))
		return
	}
	if err := hub.ServeWS(c.Writer, c.Request, recipient); err != nil {
		h.log.WithError(err).WithField("recipient", recipient).Warn("⚠️ [API] WebSocket 升级失败")
	}
}
