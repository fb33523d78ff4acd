package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tidyhome/courier/internal/clock"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestLimiter(opts ...Option) (*Limiter, *clock.Manual) {
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewLimiter(NewMemoryStore(), opts...), clk
}

func TestLimiterCanAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to the default limit", func(t *testing.T) {
		l, _ := newTestLimiter()

		for i := 0; i < DefaultMaxAttempts; i++ {
			assert.True(t, l.CanAttempt(ctx, "login"), "attempt %d", i+1)
		}
		assert.False(t, l.CanAttempt(ctx, "login"))
		assert.False(t, l.CanAttempt(ctx, "login"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		l, _ := newTestLimiter(WithDefaults(1, time.Minute))

		assert.True(t, l.CanAttempt(ctx, "signup:a@example.com"))
		assert.False(t, l.CanAttempt(ctx, "signup:a@example.com"))
		assert.True(t, l.CanAttempt(ctx, "signup:b@example.com"))
	})

	t.Run("window reset", func(t *testing.T) {
		l, clk := newTestLimiter()

		for i := 0; i < DefaultMaxAttempts; i++ {
			l.CanAttempt(ctx, "login")
		}
		assert.False(t, l.CanAttempt(ctx, "login"))

		clk.Advance(DefaultWindow)
		assert.False(t, l.CanAttempt(ctx, "login"), "exactly at the window edge is still limited")
		assert.Equal(t, 1, l.ResetMinutes(ctx, "login", DefaultWindow), "a denied caller never sees 0 minutes")

		clk.Advance(time.Millisecond)
		assert.True(t, l.CanAttempt(ctx, "login"))
		assert.Equal(t, 15, l.ResetMinutes(ctx, "login", DefaultWindow))
	})

	t.Run("explicit limits", func(t *testing.T) {
		l, clk := newTestLimiter()

		assert.True(t, l.CanAttemptN(ctx, "k", 2, time.Second))
		assert.True(t, l.CanAttemptN(ctx, "k", 2, time.Second))
		assert.False(t, l.CanAttemptN(ctx, "k", 2, time.Second))

		clk.Advance(2 * time.Second)
		assert.True(t, l.CanAttemptN(ctx, "k", 2, time.Second))
	})

	t.Run("invalid arguments panic", func(t *testing.T) {
		l, _ := newTestLimiter()

		assert.Panics(t, func() { l.CanAttemptN(ctx, "k", 0, time.Minute) })
		assert.Panics(t, func() { l.CanAttemptN(ctx, "k", 1, 0) })
		assert.Panics(t, func() { NewLimiter(NewMemoryStore(), WithDefaults(-1, time.Minute)) })
	})
}

func TestLimiterReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()

	for i := 0; i < DefaultMaxAttempts; i++ {
		l.CanAttempt(ctx, "login")
	}
	assert.False(t, l.CanAttempt(ctx, "login"))

	l.Reset(ctx, "login")
	assert.True(t, l.CanAttempt(ctx, "login"))

	t.Run("idempotent", func(t *testing.T) {
		l.Reset(ctx, "login")
		l.Reset(ctx, "login")
		l.Reset(ctx, "never-seen")
		assert.Equal(t, 0, l.ResetMinutes(ctx, "login", DefaultWindow))
	})
}

func TestLimiterResetMinutes(t *testing.T) {
	ctx := context.Background()

	t.Run("no record", func(t *testing.T) {
		l, _ := newTestLimiter()
		assert.Equal(t, 0, l.ResetMinutes(ctx, "login", DefaultWindow))
	})

	t.Run("rounds up and never increases", func(t *testing.T) {
		l, clk := newTestLimiter()
		l.CanAttempt(ctx, "login")

		assert.Equal(t, 15, l.ResetMinutes(ctx, "login", DefaultWindow))

		clk.Advance(30 * time.Second)
		assert.Equal(t, 15, l.ResetMinutes(ctx, "login", DefaultWindow))

		prev := 15
		for i := 0; i < 20; i++ {
			clk.Advance(time.Minute)
			got := l.ResetMinutes(ctx, "login", DefaultWindow)
			assert.LessOrEqual(t, got, prev)
			assert.GreaterOrEqual(t, got, 0)
			prev = got
		}
		assert.Equal(t, 0, prev)
	})

	t.Run("uses the window given", func(t *testing.T) {
		l, clk := newTestLimiter()
		l.CanAttempt(ctx, "login")
		clk.Advance(90 * time.Second)

		assert.Equal(t, 1, l.ResetMinutes(ctx, "login", 2*time.Minute))
		assert.Equal(t, 0, l.ResetMinutes(ctx, "login", time.Minute))
	})
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Attempt(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, now, maxAttempts, window)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(Record), args.Bool(1), args.Error(2)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func TestLimiterStoreFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("store unavailable")

	store := &mockStore{}
	store.On("Attempt", ctx, "login", epoch, DefaultMaxAttempts, DefaultWindow).Return(false, boom)
	store.On("Lookup", ctx, "login").Return(Record{}, false, boom)
	store.On("Delete", ctx, "login").Return(boom)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l := NewLimiter(store, WithClock(clock.NewManual(epoch)), WithLogger(logger))

	assert.True(t, l.CanAttempt(ctx, "login"), "store errors admit the attempt")
	assert.Equal(t, 0, l.ResetMinutes(ctx, "login", DefaultWindow))
	l.Reset(ctx, "login")

	store.AssertExpectations(t)
	assert.Contains(t, buf.String(), "rate limit store failed")
	assert.Contains(t, buf.String(), "store unavailable")
}
