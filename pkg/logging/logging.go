// Package logging 基于logrus的日志配置
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerKey contextKey = "logger"

// Setup 配置全局日志级别与格式，format 取 text 或 json
func Setup(level, format string) {
	SetupWithOutput(level, format, os.Stderr)
}

// SetupWithOutput 同 Setup，允许指定输出
func SetupWithOutput(level, format string, out io.Writer) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// WithModule 返回带模块字段的日志条目
func WithModule(module string) *logrus.Entry {
	return logrus.WithField("module", module)
}

// WithContext 把日志条目放进上下文
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, entry)
}

// FromContext 取出上下文中的日志条目，没有时返回 fallback
func FromContext(ctx context.Context, fallback *logrus.Entry) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(loggerKey).(*logrus.Entry); ok && entry != nil {
			return entry
		}
	}
	return fallback
}
