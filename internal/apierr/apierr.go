// Package apierr defines the error taxonomy surfaced at the HTTP boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries an HTTP status alongside the message rendered to callers
// as {"error": <message>}.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Authentication reports a missing, invalid, or quarantined credential.
func Authentication(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: msg}
}

// RateLimit reports a usage-limiter hit with a human-readable retry window.
func RateLimit(msg string) *Error {
	return &Error{Status: http.StatusTooManyRequests, Message: msg}
}

// Upstream reports a non-2xx or malformed response from the impersonated
// backend, keeping the upstream's status code when it is meaningful.
func Upstream(status int, format string, args ...any) *Error {
	if status < 400 {
		status = http.StatusInternalServerError
	}
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Internal reports a retryable server-side failure.
func Internal(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg}
}

// StatusOf extracts the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}
