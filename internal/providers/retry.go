package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls retry behavior for transient provider errors.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64 // 0..1 fraction of the computed delay
}

// DefaultRetryConfig retries transient failures up to 3 attempts with
// exponential backoff starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    8 * time.Second,
		Jitter:      0.1,
	}
}

// Backoff returns the delay before the given attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(c.BaseDelay) * math.Pow(c.Factor, exp)
	base += base * c.Jitter * rand.Float64()
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && base > max {
		base = max
	}
	return time.Duration(base)
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // zero when the server sent no hint
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is transient: 5xx, 429, or the
// provider-specific overloaded status.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Overloaded reports a capacity problem worth switching to a fallback
// model for.
func (e *HTTPError) Overloaded() bool {
	return e.Status == 529 || e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusServiceUnavailable
}

// ParseRetryAfter parses a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// IsRetryable classifies any error from a provider request.
func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	// Network-level failures (connection reset, EOF mid-handshake) are
	// transient; context cancellation is not.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return err != nil
}

// RetryDo runs fn with the configured retry policy. The last error is
// returned when all attempts fail. Retry-After hints override the computed
// backoff when longer.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ErrCancelled
		}
		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		delay := cfg.Backoff(attempt)
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > delay {
			delay = he.RetryAfter
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ErrCancelled
		}
	}
	return zero, lastErr
}
