package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Status  int
	Code    string
	Err     error
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func Validation(code, format string, args ...any) *Error {
	return New(http.StatusBadRequest, code, fmt.Errorf(format, args...))
}

func NotFound(code, format string, args ...any) *Error {
	return New(http.StatusNotFound, code, fmt.Errorf(format, args...))
}

func Forbidden(code, format string, args ...any) *Error {
	return New(http.StatusForbidden, code, fmt.Errorf(format, args...))
}

func Unauthenticated(format string, args ...any) *Error {
	return New(http.StatusUnauthorized, "unauthenticated", fmt.Errorf(format, args...))
}

// Persistence wraps a store failure. The underlying error is attached as detail.
func Persistence(op string, err error) *Error {
	e := New(http.StatusInternalServerError, "persistence_failure", fmt.Errorf("%s failed", op))
	if err != nil {
		e.Details = err.Error()
		e.Err = fmt.Errorf("%s failed: %w", op, err)
	}
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae, true
	}
	return nil, false
}
