package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestNewBackendError(t *testing.T) {
	resp := &http.Response{
		StatusCode: 503,
		Body:       io.NopCloser(strings.NewReader("  overloaded \n")),
	}
	err := NewBackendError("deepgram", resp)
	if err.Body != "overloaded" {
		t.Fatalf("Body = %q, want overloaded", err.Body)
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable(503) = false, want true")
	}
	if got := ErrorCode(err); got != "http_503" {
		t.Fatalf("ErrorCode() = %q, want http_503", got)
	}
}

func TestErrorCodeContextErrors(t *testing.T) {
	if got := ErrorCode(fmt.Errorf("call: %w", context.DeadlineExceeded)); got != "deadline" {
		t.Fatalf("ErrorCode(deadline) = %q, want deadline", got)
	}
	if got := ErrorCode(errors.New("dial tcp: refused")); got != "error" {
		t.Fatalf("ErrorCode(plain) = %q, want error", got)
	}
	if IsRetryable(errors.New("dial tcp: refused")) {
		t.Fatalf("IsRetryable(plain) = true, want false")
	}
}
