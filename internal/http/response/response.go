package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

type DataEnvelope struct {
	Data any `json:"data"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError writes err with the status of the *apierr.Error in its
// chain, or a bare 500 for anything else. Forbidden is reported as not found.
func RespondAPIError(c *gin.Context, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.New(http.StatusInternalServerError, "internal_error", errors.New("internal error"))
	}
	body := APIError{Code: ae.Code, Details: ae.Details}
	if ae.Err != nil {
		body.Message = ae.Err.Error()
	}
	status := ae.Status
	if status == http.StatusForbidden {
		status = http.StatusNotFound
		body = APIError{Code: "not_found", Message: "not found or access denied"}
	}
	_ = c.Error(err)
	c.JSON(status, ErrorEnvelope{Error: body})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, DataEnvelope{Data: payload})
}
