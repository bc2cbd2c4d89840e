// Package retry runs calls against external services with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls how many times and how fast a call is retried.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries three times starting at 500ms.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// StatusError is returned by HTTP clients for non-2xx responses.
type StatusError struct {
	Code int
	Body string

	// RetryAfter is the server's Retry-After hint, 0 when absent. Do waits
	// at least this long before the next attempt.
	RetryAfter time.Duration
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns 0 for an empty, malformed or past value.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(header); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt: rate limiting,
// server errors and transport failures are; client errors and context
// cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > backoff {
				backoff = se.RetryAfter
			}
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, lastErr)
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.InitialBackoff << (attempt - 1)
	if p.MaxBackoff > 0 && (base > p.MaxBackoff || base <= 0) {
		base = p.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}
