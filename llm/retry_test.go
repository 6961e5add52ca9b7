package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},

		// Not retryable - context errors
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},

		// Not retryable - authentication errors
		{"401 unauthorized", errors.New("401 unauthorized"), false},
		{"403 forbidden", errors.New("403 forbidden"), false},
		{"invalid_api_key", errors.New("invalid_api_key"), false},
		{"permission denied", errors.New("permission_denied"), false},

		// Not retryable - invalid request errors
		{"400 bad request", errors.New("400 bad request"), false},
		{"422 unprocessable", errors.New("422 unprocessable entity"), false},
		{"invalid_request", errors.New("invalid_request"), false},
		{"malformed json", errors.New("malformed json"), false},

		// Retryable - rate limits and server errors
		{"429 rate limit", errors.New("429 too many requests"), true},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"500 internal", errors.New("500 internal server error"), true},
		{"502 bad gateway", errors.New("502 bad gateway"), true},
		{"503 unavailable", errors.New("503 service unavailable"), true},
		{"529 overloaded", errors.New("529 overloaded"), true},

		// Retryable - network/connection errors
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("request timeout"), true},
		{"eof error", errors.New("unexpected EOF"), true},
		{"tls handshake", errors.New("tls handshake failure"), true},
		{"no such host", errors.New("dial tcp: no such host"), true},

		// Not retryable - unknown errors (default)
		{"unknown error", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable_APIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"rate limited", 429, true},
		{"server error", 500, true},
		{"bad gateway", 502, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
		{"unprocessable", 422, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &openai.APIError{HTTPStatusCode: tt.status, Message: "upstream says no"}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable(status %d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestWithRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %v, want 2", calls)
	}
}

func TestWithRetry_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		return errors.New("invalid_api_key")
	})
	if err == nil {
		t.Fatal("withRetry() should return the error")
	}
	if calls != 1 {
		t.Errorf("calls = %v, want 1", calls)
	}
}

func TestSleepWithBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// Attempt 3 would normally sleep for backoffBase * 4 = 1000ms
	SleepWithBackoff(ctx, 3)

	duration := time.Since(start)
	if duration > 500*time.Millisecond {
		t.Errorf("SleepWithBackoff took %v, expected early return on cancellation", duration)
	}
}
