// Package api HTTP 控制面：gin 路由、处理器与中间件
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/LENAX/asset-flow/pkg/api/handler"
	"github.com/LENAX/asset-flow/pkg/api/middleware"
	"github.com/LENAX/asset-flow/pkg/engine"
)

// SetupRouter 设置路由
func SetupRouter(eng *engine.Engine, version string) *gin.Engine {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	// 创建handlers
	workflowHandler := handler.NewWorkflowHandler(eng)
	approvalHandler := handler.NewApprovalHandler(eng)
	ruleHandler := handler.NewRuleHandler(eng)
	eventHandler := handler.NewEventHandler(eng)
	notificationHandler := handler.NewNotificationHandler(eng)
	healthHandler := handler.NewHealthHandler(eng, version)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/ws/notifications", notificationHandler.WebSocket)

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		workflows := v1.Group("/workflows")
		{
			workflows.GET("", workflowHandler.List)
			workflows.POST("", workflowHandler.Start)
			workflows.GET("/:id", workflowHandler.Get)
			workflows.DELETE("/:id", workflowHandler.Archive)
			workflows.POST("/:id/cancel", workflowHandler.Cancel)
			workflows.POST("/:id/suspend", workflowHandler.Suspend)
			workflows.POST("/:id/resume", workflowHandler.Resume)
		}
		v1.GET("/definitions", workflowHandler.Definitions)

		approvals := v1.Group("/approvals")
		{
			approvals.GET("", approvalHandler.ListPending)
			approvals.GET("/:id", approvalHandler.Get)
			approvals.POST("/:id/approve", approvalHandler.Approve)
			approvals.POST("/:id/reject", approvalHandler.Reject)
		}

		rules := v1.Group("/rules")
		{
			rules.GET("", ruleHandler.List)
			rules.POST("", ruleHandler.Create)
			rules.GET("/:id", ruleHandler.Get)
			rules.PUT("/:id", ruleHandler.Update)
			rules.DELETE("/:id", ruleHandler.Delete)
			rules.POST("/:id/enable", ruleHandler.Enable)
			rules.POST("/:id/disable", ruleHandler.Disable)
			rules.POST("/:id/trigger", ruleHandler.Trigger)
			rules.GET("/:id/logs", ruleHandler.Logs)
		}

		events := v1.Group("/events")
		{
			events.GET("", eventHandler.List)
			events.POST("", eventHandler.Ingest)
		}

		notifications := v1.Group("/notifications")
		{
			notifications.GET("", notificationHandler.List)
			notifications.POST("/replay", notificationHandler.Replay)
			notifications.POST("/:id/read", notificationHandler.Read)
		}

		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.GET("", notificationHandler.ListSubscriptions)
			subscriptions.POST("", notificationHandler.CreateSubscription)
			subscriptions.DELETE("/:id", notificationHandler.DeleteSubscription)
		}
	}

	return router
}
