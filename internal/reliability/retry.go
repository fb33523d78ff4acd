package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/dogmatiq/linger"
)

// RetryPolicy defines the interface for retry policies.
//
// failures is the number of failed attempts so far, so it is at least 1 when
// ShouldRetry is called after an attempt fails.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(failures int, err error) (bool, time.Duration)
	// MaxRetries returns the number of failed attempts after which a message is abandoned
	MaxRetries() int
	// NextDelay calculates the delay before the next attempt
	NextDelay(failures int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy.
//
// The delay after n failures is InitialInterval * Multiplier^n, so with a one
// second interval and a multiplier of two the waits are 2s, 4s, 8s...
type ExponentialBackoff struct {
	InitialInterval time.Duration
	// MaxInterval caps the delay; zero means uncapped
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
	// ClassifyErrors stops retrying errors marked with Permanent
	ClassifyErrors bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(failures int, err error) (bool, time.Duration) {
	if failures >= e.MaxAttempts {
		return false, 0
	}

	if e.ClassifyErrors && !IsRetryable(err) {
		return false, 0
	}

	return true, e.NextDelay(failures)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(failures int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(failures))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay          time.Duration
	MaxAttempts    int
	ClassifyErrors bool
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(failures int, err error) (bool, time.Duration) {
	if failures >= f.MaxAttempts {
		return false, 0
	}

	if f.ClassifyErrors && !IsRetryable(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry executes fn until it succeeds or the policy gives up.
//
// It returns a *RetryError wrapping the last failure when the policy gives up.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	start := time.Now()

	for failures := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		failures++

		shouldRetry, delay := policy.ShouldRetry(failures, err)
		if !shouldRetry {
			return &RetryError{
				Op:          op,
				Attempts:    failures,
				MaxAttempts: policy.MaxRetries(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if err := linger.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// IsRetryable reports whether err may be retried.
//
// Errors are retryable unless they, or an error they wrap, implement
// IsRetryable() and return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
