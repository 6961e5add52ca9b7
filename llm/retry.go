package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// backoffBase is the base duration for exponential backoff between attempts.
const backoffBase = 250 * time.Millisecond

// withRetry runs fn up to attempts times, backing off between failures.
// Only errors classified retryable by IsRetryable trigger another attempt.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		slog.Warn("llm.retry", "attempt", attempt, "of", attempts, "error", err)
		SleepWithBackoff(ctx, attempt)
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// IsRetryable checks if an error should trigger a retry attempt.
// It handles common patterns across OpenAI-compatible providers:
// - Context cancellation (not retryable)
// - Authentication errors (not retryable)
// - Invalid request errors (not retryable)
// - Rate limits, server errors, network issues (retryable)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Structured API errors carry the upstream status code directly.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return true
		case apiErr.HTTPStatusCode >= 500:
			return true
		case apiErr.HTTPStatusCode >= 400:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())

	// Authentication/authorization errors - not retryable
	authPatterns := []string{
		"401", "403",
		"invalid_api_key", "authentication", "permission",
		"unauthorized", "unauthenticated", "permission_denied",
	}
	for _, p := range authPatterns {
		if strings.Contains(errStr, p) {
			return false
		}
	}

	// Invalid request errors - not retryable
	invalidPatterns := []string{
		"400", "404", "422",
		"invalid_request", "invalid_argument", "malformed", "validation",
	}
	for _, p := range invalidPatterns {
		if strings.Contains(errStr, p) {
			return false
		}
	}

	// Retryable errors: rate limits, server errors, network issues
	retryablePatterns := []string{
		"429", "500", "502", "503", "504", "529",
		"rate", "overloaded", "server_error",
		"connection", "timeout", "temporary", "eof",
		"tls handshake", "no such host", "api_connection",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}

	return false
}

// SleepWithBackoff sleeps with exponential backoff.
// The delay is calculated as backoffBase * 2^(attempt-1).
func SleepWithBackoff(ctx context.Context, attempt int) {
	delay := backoffBase * time.Duration(1<<uint(attempt-1))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
