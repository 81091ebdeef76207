package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/dto"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

// StatusFor 按错误分类映射HTTP状态码
func StatusFor(err error) int {
	switch types.KindOf(err) {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, action string, err error) {
	status := StatusFor(err)
	c.JSON(status, dto.NewErrorResponse(status, fmt.Sprintf("%s: %v", action, err)))
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
}
