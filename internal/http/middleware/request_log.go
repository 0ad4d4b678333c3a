package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// RequestLogger writes one line per request. Every dialectic call shares a
// single path, so the dispatched action is logged beside it.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", routeOf(c),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if action := c.GetString(ActionKey); action != "" {
			fields = append(fields, "action", action)
		}
		if uid := ctxutil.PrincipalID(c.Request.Context()); uid != uuid.Nil {
			fields = append(fields, "user_id", uid.String())
		}
		fields = append(fields, ctxutil.GetTraceData(c.Request.Context()).Fields()...)

		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}

func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
