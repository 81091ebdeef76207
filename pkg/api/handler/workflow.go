package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// WorkflowHandler 工作流实例API处理器
type WorkflowHandler struct {
	engine *engine.Engine
}

// NewWorkflowHandler 创建WorkflowHandler
func NewWorkflowHandler(eng *engine.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: eng}
}

// Start 启动工作流
// POST /api/v1/workflows
func (h *WorkflowHandler) Start(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	snap, err := h.engine.StartWorkflow(c.Request.Context(), engine.StartRequest{
		WorkflowType:   req.WorkflowType,
		Initiator:      req.Initiator,
		Configuration:  req.Configuration,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, "启动工作流失败", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(snap))
}

// List 分页列出实例
// GET /api/v1/workflows
func (h *WorkflowHandler) List(c *gin.Context) {
	var query dto.InstanceQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}

	limit := query.GetDefaultLimit()
	list, total, err := h.engine.ListWorkflows(c.Request.Context(), storage.InstanceFilter{
		Status:          types.InstanceStatus(query.Status),
		WorkflowType:    query.WorkflowType,
		Initiator:       query.Initiator,
		IncludeArchived: query.Archived,
		Limit:           limit,
		Offset:          query.Offset,
	})
	if err != nil {
		respondError(c, "查询实例失败", err)
		return
	}

	items := make([]dto.InstanceSummary, 0, len(list))
	for _, inst := range list {
		items = append(items, dto.NewInstanceSummary(inst))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.InstanceSummary]{
		Total:   total,
		Items:   items,
		HasMore: query.Offset+len(items) < total,
	}))
}

// Get 查询实例快照（状态、步骤与事件）
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c *gin.Context) {
	snap, err := h.engine.QueryWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询实例失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(snap))
}

// Cancel 取消实例
// POST /api/v1/workflows/:id/cancel
func (h *WorkflowHandler) Cancel(c *gin.Context) {
	var req dto.ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	snap, err := h.engine.CancelWorkflow(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		respondError(c, "取消失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(snap))
}

// Suspend 挂起实例
// POST /api/v1/workflows/:id/suspend
func (h *WorkflowHandler) Suspend(c *gin.Context) {
	var req dto.ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	snap, err := h.engine.SuspendWorkflow(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		respondError(c, "挂起失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(snap))
}

// Resume 恢复实例
// POST /api/v1/workflows/:id/resume
func (h *WorkflowHandler) Resume(c *gin.Context) {
	var req dto.ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	snap, err := h.engine.ResumeWorkflow(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		respondError(c, "恢复失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(snap))
}

// Archive 归档终态实例
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) Archive(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.ArchiveWorkflow(c.Request.Context(), id); err != nil {
		respondError(c, "归档失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "实例已归档",
		"id":      id,
	}))
}

// Definitions 列出已注册的工作流定义
// GET /api/v1/definitions
func (h *WorkflowHandler) Definitions(c *gin.Context) {
	defs := h.engine.Definitions()
	items := make([]dto.DefinitionSummary, 0, len(defs))
	for _, d := range defs {
		steps := make([]string, 0, len(d.Steps))
		for _, s := range d.Steps {
			steps = append(steps, s.Name)
		}
		items = append(items, dto.DefinitionSummary{
			Type:           d.Type,
			Description:    d.Description,
			RequiredConfig: d.RequiredConfig,
			Steps:          steps,
		})
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(items))
}
