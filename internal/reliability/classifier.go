package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// BackendError is a non-2xx response from a remote capability backend.
type BackendError struct {
	Provider string
	Status   int
	Body     string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

func (e *BackendError) Retryable() bool { return IsRetryableHTTPStatus(e.Status) }

// Code is a low-cardinality label for metrics.
func (e *BackendError) Code() string { return fmt.Sprintf("http_%d", e.Status) }

// NewBackendError drains up to 4KiB of resp.Body into a BackendError.
func NewBackendError(provider string, resp *http.Response) *BackendError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &BackendError{
		Provider: provider,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(b)),
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return false
}

// ErrorCode maps err to a metrics label.
func ErrorCode(err error) string {
	var be *BackendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &be):
		return be.Code()
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
