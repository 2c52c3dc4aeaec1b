package middleware

import (
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var (
	loggerSkipPathsPrefix = []string{
		"GET /api/healthz",
		"HEAD /api/healthz",
		"GET /metrics",
		"GET /favicon.ico",
	}
)

type ZerologMiddleware struct{}

func NewZerologMiddleware() *ZerologMiddleware {
	return &ZerologMiddleware{}
}

func (m *ZerologMiddleware) Init() error {
	return nil
}

func (m *ZerologMiddleware) logPath(path string) bool {
	for _, prefix := range loggerSkipPathsPrefix {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (m *ZerologMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tStart := time.Now()

		c.Next()

		code := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		var event *zerolog.Event

		// logPath check if the path should be logged normally or with debug
		switch {
		case !m.logPath(method + " " + path):
			event = tlog.HTTP.Debug()
		case code >= 500:
			event = tlog.HTTP.Error()
		case code >= 400:
			event = tlog.HTTP.Warn()
		default:
			event = tlog.HTTP.Info()
		}

		event.
			Str("method", method).
			Str("path", path).
			Str("address", c.Request.RemoteAddr).
			Str("clientIp", c.ClientIP()).
			Int("status", code).
			Dur("latency", time.Since(tStart)).
			Msg("Request")
	}
}
