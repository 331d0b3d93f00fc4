package feed

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// retryConfig controls the backoff applied to transient remote-fetch
// failures.
type retryConfig struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	jitterFraction float64
}

func defaultRetryConfig(attempts int) retryConfig {
	if attempts <= 0 {
		attempts = 3
	}
	return retryConfig{
		maxAttempts:    attempts,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		jitterFraction: 0.25,
	}
}

// retryVal runs fn with exponential backoff, retrying only transient
// failures. Context cancellation stops retries immediately.
func retryVal[T any](ctx context.Context, cfg retryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !isTransient(lastErr) {
			return zero, lastErr
		}
		if attempt >= cfg.maxAttempts-1 {
			break
		}

		zap.L().Warn("feed: retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(backoffDelay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func backoffDelay(attempt int, cfg retryConfig) time.Duration {
	delay := float64(cfg.initialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.maxBackoff) {
		delay = float64(cfg.maxBackoff)
	}
	if cfg.jitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.jitterFraction
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// transientError marks a failure as retryable regardless of its shape.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// isTransient reports whether err looks safe to retry: an explicit
// transient mark, a network timeout, or a connection-level failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
