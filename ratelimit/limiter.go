package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidyhome/courier/internal/clock"
)

const (
	// DefaultMaxAttempts is the number of attempts permitted per window
	DefaultMaxAttempts = 5
	// DefaultWindow is the length of the sliding window
	DefaultWindow = 15 * time.Minute
)

// Limiter is a keyed sliding-window admission gate
type Limiter struct {
	store       Store
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	window      time.Duration
}

// Option configures a Limiter
type Option func(*Limiter)

// WithDefaults sets the limits used by CanAttempt
func WithDefaults(maxAttempts int, window time.Duration) Option {
	return func(l *Limiter) {
		l.maxAttempts = maxAttempts
		l.window = window
	}
}

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a limiter backed by store
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		clock:       clock.System,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
	}
	for _, opt := range opts {
		opt(l)
	}

	mustValidate(l.maxAttempts, l.window)
	return l
}

// Window returns the default window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// CanAttempt is CanAttemptN with the limiter's default limits
func (l *Limiter) CanAttempt(ctx context.Context, key string) bool {
	return l.CanAttemptN(ctx, key, l.maxAttempts, l.window)
}

// CanAttemptN records an attempt for key and reports whether it may proceed.
//
// It panics if maxAttempts < 1 or window <= 0.
func (l *Limiter) CanAttemptN(ctx context.Context, key string, maxAttempts int, window time.Duration) bool {
	mustValidate(maxAttempts, window)

	ok, err := l.store.Attempt(ctx, key, l.clock.Now(), maxAttempts, window)
	if err != nil {
		l.logger.Error("rate limit store failed, admitting attempt",
			"key", key,
			"error", err,
		)
		return true
	}

	if !ok {
		l.logger.Debug("attempt denied", "key", key, "maxAttempts", maxAttempts, "window", window)
	}
	return ok
}

// Reset forgets all attempts for key. It is a no-op for unknown keys.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.Error("rate limit reset failed", "key", key, "error", err)
	}
}

// ResetMinutes returns the whole minutes, rounded up, until the window for
// key elapses. It returns 0 if there is no active record and at least 1 while
// the record can still deny attempts.
func (l *Limiter) ResetMinutes(ctx context.Context, key string, window time.Duration) int {
	rec, ok, err := l.store.Lookup(ctx, key)
	if err != nil {
		l.logger.Error("rate limit lookup failed", "key", key, "error", err)
		return 0
	}

	now := l.clock.Now()
	if !ok || !rec.Active(now, window) {
		return 0
	}
	return max(1, ceilMinutes(rec.Remaining(now, window)))
}

func mustValidate(maxAttempts int, window time.Duration) {
	if maxAttempts < 1 {
		panic(fmt.Sprintf("ratelimit: maxAttempts must be at least 1, got %d", maxAttempts))
	}
	if window <= 0 {
		panic(fmt.Sprintf("ratelimit: window must be positive, got %v", window))
	}
}
