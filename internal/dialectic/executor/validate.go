package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

const CodeModelResponseInvalid = "model_response_invalid"

// ValidationError is a model response whose shape does not match the
// output type the job asked for.
type ValidationError struct {
	OutputType string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s response invalid: %s", CodeModelResponseInvalid, e.OutputType, e.Reason)
}

var headerContextKeys = []string{"context_for_documents", "header_context_artifact", "system_materials"}

// Artifact is a validated model output.
type Artifact struct {
	OutputType string
	Body       []byte
	MimeType   string
	Extension  string
	// Files lists the documents a planner manifest asks for.
	Files []string
}

// Validate applies the guard for outputType to content.
func Validate(outputType, content string) (*Artifact, error) {
	switch outputType {
	case jobs.OutputHeaderContext:
		obj, err := decodeObject(outputType, content)
		if err != nil {
			return nil, err
		}
		if _, ok := obj["files_to_generate"]; ok {
			return nil, &ValidationError{OutputType: outputType, Reason: "files_to_generate is not allowed in a header context"}
		}
		if err := exactKeys(outputType, obj, headerContextKeys); err != nil {
			return nil, err
		}
		return jsonArtifact(outputType, obj, nil)
	case jobs.OutputPlannerManifest:
		obj, err := decodeObject(outputType, content)
		if err != nil {
			return nil, err
		}
		raw, ok := obj["files_to_generate"]
		if !ok {
			return nil, &ValidationError{OutputType: outputType, Reason: "files_to_generate is required"}
		}
		files, err := fileList(raw)
		if err != nil {
			return nil, &ValidationError{OutputType: outputType, Reason: err.Error()}
		}
		want := append([]string{"files_to_generate"}, headerContextKeys...)
		if err := exactKeys(outputType, obj, want); err != nil {
			return nil, err
		}
		return jsonArtifact(outputType, obj, files)
	case jobs.OutputDocument:
		text := strings.TrimSpace(documentText(content))
		if text == "" {
			return nil, &ValidationError{OutputType: outputType, Reason: "document is empty"}
		}
		return &Artifact{OutputType: outputType, Body: []byte(text), MimeType: "text/markdown", Extension: ".md"}, nil
	default:
		return nil, &ValidationError{OutputType: outputType, Reason: "unknown output type"}
	}
}

func decodeObject(outputType, content string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFence(content)), &obj); err != nil {
		return nil, &ValidationError{OutputType: outputType, Reason: "not a JSON object: " + err.Error()}
	}
	if obj == nil {
		return nil, &ValidationError{OutputType: outputType, Reason: "not a JSON object"}
	}
	return obj, nil
}

func exactKeys(outputType string, obj map[string]json.RawMessage, want []string) error {
	var missing, extra []string
	for _, k := range want {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	allowed := map[string]bool{}
	for _, k := range want {
		allowed[k] = true
	}
	for k := range obj {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	parts := []string{}
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(extra, ", "))
	}
	return &ValidationError{OutputType: outputType, Reason: strings.Join(parts, "; ")}
}

func fileList(raw json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("files_to_generate must be an array")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("files_to_generate is empty")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if json.Unmarshal(it, &s) == nil && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
			continue
		}
		var obj struct {
			DocumentKey string `json:"document_key"`
			FileName    string `json:"file_name"`
		}
		if json.Unmarshal(it, &obj) == nil && (obj.DocumentKey != "" || obj.FileName != "") {
			if obj.DocumentKey != "" {
				out = append(out, obj.DocumentKey)
			} else {
				out = append(out, obj.FileName)
			}
			continue
		}
		return nil, fmt.Errorf("files_to_generate entries must name a document")
	}
	return out, nil
}

func jsonArtifact(outputType string, obj map[string]json.RawMessage, files []string) (*Artifact, error) {
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Artifact{OutputType: outputType, Body: b, MimeType: "application/json", Extension: ".json", Files: files}, nil
}

// documentText unwraps {"content": "..."} replies some models send in JSON mode.
func documentText(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Content string `json:"content"`
		}
		if json.Unmarshal([]byte(trimmed), &wrapped) == nil && wrapped.Content != "" {
			return wrapped.Content
		}
	}
	return content
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
