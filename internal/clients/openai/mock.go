package openai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Mock answers deterministically from the request text. It produces a
// well-formed reply for each output type so the pipeline runs offline.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(req.Model + "\x00" + req.System + "\x00" + req.User))
	tag := hex.EncodeToString(sum[:6])

	header := map[string]any{
		"system_materials":        map[string]any{"model": req.Model, "digest": tag},
		"header_context_artifact": map[string]any{"summary": firstLine(req.User)},
		"context_for_documents":   []any{},
	}
	var content, contentType string
	switch req.OutputType {
	case "header_context":
		b, _ := json.Marshal(header)
		content, contentType = string(b), "application/json"
	case "planner_manifest":
		header["files_to_generate"] = []string{"synthesis_" + tag}
		b, _ := json.Marshal(header)
		content, contentType = string(b), "application/json"
	default:
		content = fmt.Sprintf("# Response %s\n\nModel %s considered:\n\n> %s\n", tag, req.Model, firstLine(req.User))
		contentType = "text/markdown"
	}
	return &Response{
		Content:      content,
		ContentType:  contentType,
		InputTokens:  approxTokens(req.System) + approxTokens(req.User),
		OutputTokens: approxTokens(content),
		FinishReason: "stop",
		Raw:          []byte(content),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func approxTokens(s string) int { return (len([]rune(s)) + 3) / 4 }
