package http

import (
	"fmt"
	"net/http"
)

// AppError is the error envelope API handlers return. Status picks the HTTP
// code; Code is the stable machine-readable identifier clients switch on.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithError attaches the underlying cause for logs; it is not serialized.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// WithParam attaches one structured detail to the response.
func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

// NewAppError creates an error with an explicit code and status.
func NewAppError(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// BadRequestErrorf creates a 400.
func BadRequestErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_BAD_REQUEST", fmt.Sprintf(format, a...), http.StatusBadRequest)
}

// NotFoundErrorf creates a 404.
func NotFoundErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_NOT_FOUND", fmt.Sprintf(format, a...), http.StatusNotFound)
}

// UnprocessableErrorf creates a 422 for requests that are well-formed but
// cannot be answered.
func UnprocessableErrorf(code, format string, a ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, a...), http.StatusUnprocessableEntity)
}

// TooManyRequestsError creates a 429.
func TooManyRequestsError(message string) *AppError {
	return NewAppError("ERR_RATE_LIMITED", message, http.StatusTooManyRequests)
}

// UnavailableErrorf creates a 503 for unreachable upstreams.
func UnavailableErrorf(code, format string, a ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, a...), http.StatusServiceUnavailable)
}

// InternalErrorf creates a 500.
func InternalErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_INTERNAL", fmt.Sprintf(format, a...), http.StatusInternalServerError)
}
