package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
)

const (
	HeaderTraceID   = "X-Trace-Id"
	HeaderRequestID = "X-Request-Id"
)

// AttachTraceContext resolves the correlation ids for a request and echoes
// them back. Jobs enqueued by the request inherit them through the payload.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		td := &ctxutil.TraceData{
			TraceID:   traceID(c),
			RequestID: headerOrNew(c, HeaderRequestID),
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Header(HeaderTraceID, td.TraceID)
		c.Header(HeaderRequestID, td.RequestID)
		c.Next()
	}
}

// traceID prefers the caller's header, then the otel span started by
// otelgin, then a fresh id.
func traceID(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(HeaderTraceID)); v != "" {
		return v
	}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

func headerOrNew(c *gin.Context, name string) string {
	if v := strings.TrimSpace(c.GetHeader(name)); v != "" {
		return v
	}
	return uuid.NewString()
}
