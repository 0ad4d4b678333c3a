package prompts

import (
	"fmt"
	"net/http"
)

const (
	CodePromptNotFound        = "prompt_not_found"
	CodeOverlayNotFound       = "overlay_not_found"
	CodeOverlayPromptNotFound = "overlay_prompt_not_found"
	CodeDefaultPromptNotFound = "default_prompt_not_found"
)

// ResolutionError reports which tier failed and why. Each tier has its own
// code so callers can tell a bad request from bad project settings or
// missing seed data.
type ResolutionError struct {
	Tier    Tier
	Code    string
	Message string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HTTPStatus maps the failing tier onto the request surface.
func (e *ResolutionError) HTTPStatus() int {
	switch e.Tier {
	case TierDirect:
		return http.StatusBadRequest
	case TierOverlay:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
