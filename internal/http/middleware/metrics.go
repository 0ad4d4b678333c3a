package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/dialectic-backend/internal/observability"
)

// ActionKey is the gin context key the dispatch handler stores the action
// name under.
const ActionKey = "dialectic_action"

// Metrics records request counts and latency per route. Dispatch requests are
// labelled by action.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		if action := c.GetString(ActionKey); action != "" {
			route += "#" + action
		}
		m.ObserveAPI(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
