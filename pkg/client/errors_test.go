package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   ErrorClass
	}{
		{"transport error", 0, errors.New("dial tcp"), ErrorClassNetwork},
		{"ok", 200, nil, ""},
		{"not modified", 304, nil, ""},
		{"bad request", 400, nil, ErrorClassClient},
		{"not found", 404, nil, ErrorClassClient},
		{"too many requests", 429, nil, ErrorClassRateLimit},
		{"internal error", 500, nil, ErrorClassServer},
		{"bad gateway", 502, nil, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := classifyError(resp, tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{ErrorClassClient, false},
		{"", false},
	}

	for _, tt := range tests {
		if got := shouldRetry(tt.class); got != tt.want {
			t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestAPIError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &APIError{Client: "openai", StatusCode: 502, ErrorClass: ErrorClassServer, Message: "bad gateway", Err: cause}

	msg := err.Error()
	for _, part := range []string{"openai", "server", "502", "bad gateway", "connection reset"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("APIError does not unwrap to its cause")
	}

	bare := &APIError{Client: "openai", StatusCode: 400, ErrorClass: ErrorClassClient, Message: "bad request"}
	if bare.Unwrap() != nil {
		t.Error("Unwrap() should be nil without a cause")
	}
}

func TestRateLimitError(t *testing.T) {
	var err error = fmt.Errorf("call: %w", &RateLimitError{Client: "dataforseo", AvailableIn: 42 * time.Second})

	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false")
	}

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatal("errors.As failed")
	}
	if rlErr.AvailableIn != 42*time.Second {
		t.Errorf("AvailableIn = %v, want 42s", rlErr.AvailableIn)
	}
	if !strings.Contains(rlErr.Error(), "42s") {
		t.Errorf("Error() = %q, want the wait time", rlErr.Error())
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("parseRetryAfter(7) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("parseRetryAfter(soon) = %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("parseRetryAfter(date) = %v", got)
	}
}
