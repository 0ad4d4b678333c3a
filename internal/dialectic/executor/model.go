package executor

import (
	"context"
	"fmt"
	"strings"
)

// ModelRequest is what one EXECUTE job sends to a model.
type ModelRequest struct {
	Model string
	// Provider is the ai_models.provider of Model; routers dispatch on it.
	Provider string
	// OutputType lets offline adapters shape a valid reply.
	OutputType string

	System          string
	User            string
	JSONMode        bool
	MaxOutputTokens int
}

type ModelResponse struct {
	Content      string
	ContentType  string
	InputTokens  int
	OutputTokens int
	// ErrorCode is set by adapters that report failures in-band.
	ErrorCode string
	// Raw is the provider's response body, kept for debugging.
	Raw []byte
}

type ModelCaller interface {
	CallModel(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// Router sends each request to the caller registered for its provider,
// falling back to Default.
type Router struct {
	Default    ModelCaller
	ByProvider map[string]ModelCaller
}

func (r Router) CallModel(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if c, ok := r.ByProvider[strings.ToLower(req.Provider)]; ok && c != nil {
		return c.CallModel(ctx, req)
	}
	if r.Default == nil {
		return nil, fmt.Errorf("no model adapter for provider %q", req.Provider)
	}
	return r.Default.CallModel(ctx, req)
}

// Storage is the blob store artifacts are written to.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
	Download(ctx context.Context, key string) ([]byte, error)
}
