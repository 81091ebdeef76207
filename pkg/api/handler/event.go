package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// EventHandler 事件API处理器：领域事件写入与事件日志查询
type EventHandler struct {
	engine *engine.Engine
}

// NewEventHandler 创建EventHandler
func NewEventHandler(eng *engine.Engine) *EventHandler {
	return &EventHandler{engine: eng}
}

// Ingest 接收协作模块发出的领域事件
// POST /api/v1/events
func (h *EventHandler) Ingest(c *gin.Context) {
	var req dto.DomainEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ev := req.ToEvent()
	if req.Sync {
		eval, err := h.engine.EvaluateEvent(c.Request.Context(), ev)
		if err != nil {
			respondError(c, "评估事件失败", err)
			return
		}
		c.JSON(http.StatusOK, dto.NewSuccessResponse(eval))
		return
	}
	if err := h.engine.PublishDomainEvent(c.Request.Context(), ev); err != nil {
		respondError(c, "发布事件失败", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(map[string]string{
		"message": "事件已接收",
		"type":    string(ev.Type),
	}))
}

// List 查询事件日志
// GET /api/v1/events
func (h *EventHandler) List(c *gin.Context) {
	var query dto.EventQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	list, err := h.engine.ListEvents(c.Request.Context(), storage.EventFilter{
		InstanceID: query.InstanceID,
		Type:       types.EventType(query.Type),
		Processed:  query.Processed,
		Limit:      limit,
	})
	if err != nil {
		respondError(c, "查询事件失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.WorkflowEvent]{
		Total: len(list),
		Items: list,
	}))
}
