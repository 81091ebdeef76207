package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/storage"
)

// RuleHandler 自动化规则API处理器
type RuleHandler struct {
	engine *engine.Engine
}

// NewRuleHandler 创建RuleHandler
func NewRuleHandler(eng *engine.Engine) *RuleHandler {
	return &RuleHandler{engine: eng}
}

// List 列出规则
// GET /api/v1/rules
func (h *RuleHandler) List(c *gin.Context) {
	var query dto.RuleQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindError(c, err)
		return
	}
	list, err := h.engine.ListRules(c.Request.Context(), storage.RuleFilter{
		TriggerType: types.TriggerType(query.TriggerType),
		ActiveOnly:  query.ActiveOnly,
		Category:    query.Category,
	})
	if err != nil {
		respondError(c, "查询规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.AutomationRule]{
		Total: len(list),
		Items: list,
	}))
}

// Create 创建规则
// POST /api/v1/rules
func (h *RuleHandler) Create(c *gin.Context) {
	var req dto.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	rule, err := req.ToRule()
	if err != nil {
		respondError(c, "创建规则失败", err)
		return
	}
	created, err := h.engine.CreateRule(c.Request.Context(), rule)
	if err != nil {
		respondError(c, "创建规则失败", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(created))
}

// Get 查询规则
// GET /api/v1/rules/:id
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(rule))
}

// Update 按版本号更新规则
// PUT /api/v1/rules/:id
func (h *RuleHandler) Update(c *gin.Context) {
	var req dto.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	rule, err := req.ToRule()
	if err != nil {
		respondError(c, "更新规则失败", err)
		return
	}
	rule.ID = c.Param("id")
	updated, err := h.engine.UpdateRule(c.Request.Context(), rule)
	if err != nil {
		respondError(c, "更新规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(updated))
}

// Delete 删除规则，执行日志保留
// DELETE /api/v1/rules/:id
func (h *RuleHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, "删除规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "规则已删除",
		"id":      id,
	}))
}

// Enable 启用规则
// POST /api/v1/rules/:id/enable
func (h *RuleHandler) Enable(c *gin.Context) {
	rule, err := h.engine.EnableRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "启用规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(rule))
}

// Disable 停用规则
// POST /api/v1/rules/:id/disable
func (h *RuleHandler) Disable(c *gin.Context) {
	rule, err := h.engine.DisableRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "停用规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(rule))
}

// Logs 规则执行日志
// GET /api/v1/rules/:id/logs?limit=
func (h *RuleHandler) Logs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, "limit 必须是正整数"))
			return
		}
		limit = n
	}
	logs, err := h.engine.RuleLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, "查询执行日志失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[*types.AutomationLog]{
		Total: len(logs),
		Items: logs,
	}))
}

// Trigger 手动触发规则
// POST /api/v1/rules/:id/trigger
func (h *RuleHandler) Trigger(c *gin.Context) {
	var req dto.TriggerRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	eval, err := h.engine.TriggerRule(c.Request.Context(), c.Param("id"), req.Actor, req.Payload)
	if err != nil {
		respondError(c, "触发规则失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(eval))
}
