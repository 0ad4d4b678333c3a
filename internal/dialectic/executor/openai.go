package executor

import (
	"context"
	"fmt"

	"github.com/yungbote/dialectic-backend/internal/clients/openai"
)

// ChatCaller adapts a chat completions client to ModelCaller.
type ChatCaller struct {
	Client openai.Client
}

func (c ChatCaller) CallModel(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if c.Client == nil {
		return nil, fmt.Errorf("chat client not configured")
	}
	resp, err := c.Client.Complete(ctx, openai.Request{
		Model:           req.Model,
		System:          req.System,
		User:            req.User,
		JSONMode:        req.JSONMode,
		MaxOutputTokens: req.MaxOutputTokens,
		OutputType:      req.OutputType,
	})
	if err != nil {
		return nil, err
	}
	return &ModelResponse{
		Content:      resp.Content,
		ContentType:  resp.ContentType,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Raw:          resp.Raw,
	}, nil
}
