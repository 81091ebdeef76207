package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/logging"
)

// Logger 请求日志中间件，5xx 记为错误，4xx 记为警告
func Logger() gin.HandlerFunc {
	log := logging.WithModule("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("[API] 请求失败")
		case status >= 400:
			entry.Warn("[API] 请求被拒绝")
		default:
			entry.Debug("[API] 请求完成")
		}
	}
}
