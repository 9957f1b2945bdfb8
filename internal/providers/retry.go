package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// RetryConfig controls connection-phase retries. Once a stream is open there is
// no retry; the caller sees the stream error instead.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries transient failures a few times with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// httpStatusError carries an HTTP status for retry classification.
type httpStatusError struct {
	status int
	msg    string
}

func (e *httpStatusError) Error() string { return e.msg }

// retryable reports whether the error is worth another connection attempt.
// Overflow rejections are never retryable; compaction handles those.
func retryable(err error) bool {
	if err == nil || IsContextOverflow(err) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	// Network-level failures (no HTTP status) are retryable.
	return true
}

// RetryDo runs fn with backoff until it succeeds, exhausts attempts, or ctx ends.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		slog.Warn("provider call failed, retrying",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return zero, lastErr
}
