// Package retry provides a shared bounded-retry executor with linear or
// exponential backoff. Every outbound oracle call goes through it.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	// BackoffExponential waits delay × 2^(attempt-1).
	BackoffExponential Backoff = iota
	// BackoffLinear waits delay × attempt.
	BackoffLinear
)

// String returns the backoff name.
func (b Backoff) String() string {
	switch b {
	case BackoffLinear:
		return "linear"
	default:
		return "exponential"
	}
}

// ParseBackoff maps "linear" / "exponential" to a Backoff. Unknown values
// fall back to exponential.
func ParseBackoff(s string) Backoff {
	if strings.EqualFold(strings.TrimSpace(s), "linear") {
		return BackoffLinear
	}
	return BackoffExponential
}

// DefaultRetryableErrors lists the codes and message fragments treated as
// transient network failures.
var DefaultRetryableErrors = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ENOTFOUND",
	"ECONNREFUSED",
	"connection reset",
	"connection refused",
	"no such host",
	"timeout",
}

// Default policy values used by the oracle clients.
const (
	DefaultMaxAttempts = 3
	DefaultDelay       = time.Second
)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures a retry run. The zero value is usable: it behaves like
// DefaultPolicy.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff

	// RetryableErrors is matched against the error code and message.
	// Nil means DefaultRetryableErrors.
	RetryableErrors []string

	// ShouldRetry overrides RetryableErrors when set.
	ShouldRetry func(error) bool

	// Sleep replaces the real timer, mainly for tests.
	Sleep SleepFunc

	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy returns 3 attempts, 1s base delay, exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		Backoff:     BackoffExponential,
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Coder is implemented by errors that carry a symbolic code
// (e.g. "ECONNRESET").
type Coder interface {
	Code() string
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Non-retryable and final errors are returned as-is.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return zero, pe.Err
		}
		if attempt >= p.MaxAttempts || !p.retryable(err) {
			return zero, err
		}

		wait := Wait(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}
}

// DoWithPredicate is Do with a caller-supplied retry classifier.
func DoWithPredicate[T any](ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	p.ShouldRetry = shouldRetry
	return Do(ctx, p, fn)
}

// Run is Do for operations that only return an error.
func Run(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Wait returns the delay before the retry that follows attempt (1-based).
func Wait(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffLinear:
		return p.Delay * time.Duration(attempt)
	default:
		return p.Delay * time.Duration(1<<uint(attempt-1))
	}
}

// IsRetryable reports whether err's code or message matches any pattern.
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	code := ErrorCode(err)
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if code != "" && strings.EqualFold(code, p) {
			return true
		}
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ErrorCode extracts a symbolic network error code from err, or "".
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET:
			return "ECONNRESET"
		case syscall.ECONNREFUSED:
			return "ECONNREFUSED"
		case syscall.ETIMEDOUT:
			return "ETIMEDOUT"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "ENOTFOUND"
		}
		if dnsErr.IsTimeout {
			return "ETIMEDOUT"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ETIMEDOUT"
	}
	return ""
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.RetryableErrors == nil {
		p.RetryableErrors = DefaultRetryableErrors
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

func (p Policy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return IsRetryable(err, p.RetryableErrors)
}

// Sleep waits for d or returns ctx.Err() if ctx finishes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
