package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
)

// ApprovalHandler 审批API处理器
type ApprovalHandler struct {
	engine *engine.Engine
}

// NewApprovalHandler 创建ApprovalHandler
func NewApprovalHandler(eng *engine.Engine) *ApprovalHandler {
	return &ApprovalHandler{engine: eng}
}

// ListPending 列出待审批项，可按来源过滤
// GET /api/v1/approvals?source=rule|workflow
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	source := types.ApprovalSource(c.Query("source"))
	if source != "" && source != types.ApprovalSourceRule && source != types.ApprovalSourceWorkflow {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, "source 只能是 rule 或 workflow"))
		return
	}
	list, err := h.engine.ListPendingApprovals(c.Request.Context(), source)
	if err != nil {
		respondError(c, "查询审批项失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.Approval]{
		Total: len(list),
		Items: list,
	}))
}

// Get 查询审批项
// GET /api/v1/approvals/:id
func (h *ApprovalHandler) Get(c *gin.Context) {
	a, err := h.engine.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询审批项失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(a))
}

// Approve 通过审批
// POST /api/v1/approvals/:id/approve
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.decide(c, true)
}

// Reject 拒绝审批
// POST /api/v1/approvals/:id/reject
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.decide(c, false)
}

func (h *ApprovalHandler) decide(c *gin.Context, approved bool) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	out, err := h.engine.DecideApproval(c.Request.Context(), c.Param("id"), req.Actor, approved, req.Comment)
	if err != nil {
		respondError(c, "审批失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(out))
}
