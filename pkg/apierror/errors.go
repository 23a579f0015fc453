// Package apierror defines the status-coded error taxonomy shared by the
// broker, the connection registry, and the HTTP layer.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error carrying an HTTP status code. Errors raised before a
// trusted redirect target is known are rendered as JSON bodies with this
// status; later failures degrade to OAuth-protocol error redirects instead.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// New creates an Error with an explicit status code.
func New(status int, format string, args ...interface{}) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput reports a missing or malformed request field (400).
func InvalidInput(format string, args ...interface{}) *Error {
	return New(http.StatusBadRequest, format, args...)
}

// NotFound reports an absent record (404).
func NotFound(format string, args ...interface{}) *Error {
	return New(http.StatusNotFound, format, args...)
}

// Forbidden reports a failed trust check (403): redirect allow-list,
// session state, signature, code or token validation.
func Forbidden(format string, args ...interface{}) *Error {
	return New(http.StatusForbidden, format, args...)
}

// Unauthorized reports failed client credentials (401).
func Unauthorized(format string, args ...interface{}) *Error {
	return New(http.StatusUnauthorized, format, args...)
}

// Internal reports a broker-side configuration or dependency failure (500).
func Internal(format string, args ...interface{}) *Error {
	return New(http.StatusInternalServerError, format, args...)
}

// Unavailable reports an unreachable backing store (503).
func Unavailable(format string, args ...interface{}) *Error {
	return New(http.StatusServiceUnavailable, format, args...)
}

// StatusOf extracts the HTTP status from err, defaulting to 500 for errors
// outside the taxonomy.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
