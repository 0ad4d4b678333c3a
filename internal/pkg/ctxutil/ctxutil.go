// Package ctxutil carries per-request values on a context.Context: the
// correlation ids shared by an HTTP request and the jobs it enqueues, and
// the authenticated principal.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	requestKey
)

func base(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// TraceData is copied into job payloads so worker logs line up with the
// request that caused them.
type TraceData struct {
	TraceID   string
	RequestID string
}

// Fields returns the non-empty ids as logger key/value pairs.
func (td *TraceData) Fields() []interface{} {
	if td == nil {
		return nil
	}
	var out []interface{}
	if td.TraceID != "" {
		out = append(out, "trace_id", td.TraceID)
	}
	if td.RequestID != "" {
		out = append(out, "request_id", td.RequestID)
	}
	return out
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(base(ctx), traceKey, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	td, _ := ctx.Value(traceKey).(*TraceData)
	return td
}

// RequestData carries the authenticated principal for one request.
type RequestData struct {
	UserID uuid.UUID
	Token  string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(base(ctx), requestKey, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	if ctx == nil {
		return nil
	}
	rd, _ := ctx.Value(requestKey).(*RequestData)
	return rd
}

// PrincipalID returns the caller's user id, or uuid.Nil when unauthenticated.
func PrincipalID(ctx context.Context) uuid.UUID {
	if rd := GetRequestData(ctx); rd != nil {
		return rd.UserID
	}
	return uuid.Nil
}
