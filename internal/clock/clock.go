// Package clock abstracts time so that backoff and rate-limit windows can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
)

// Clock is a time source that can also suspend the caller
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall clock
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	return linger.Sleep(ctx, d)
}

// Manual is a Clock that only moves when told to.
//
// When AutoAdvance is set, Sleep moves the clock forward by d and returns
// immediately; otherwise Sleep blocks until Advance moves the clock past the
// sleeper's deadline.
type Manual struct {
	AutoAdvance bool

	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	waiters []*waiter
	sleepCh chan time.Duration
}

type waiter struct {
	until time.Time
	done  chan struct{}
}

// NewManual returns a manual clock set to start
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		sleepCh: make(chan time.Duration, 64),
	}
}

// Now implements Clock
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep implements Clock
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)

	if m.AutoAdvance || d <= 0 {
		if d > 0 {
			m.advance(d)
		}
		m.mu.Unlock()
		m.signal(d)
		return ctx.Err()
	}

	w := &waiter{until: m.now.Add(d), done: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	m.signal(d)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the clock forward, waking any sleepers whose deadline passed
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(d)
}

func (m *Manual) advance(d time.Duration) {
	m.now = m.now.Add(d)

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.until.After(m.now) {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}

// Sleeps returns the durations passed to Sleep so far
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleeps...)
}

// Sleeping returns a channel that receives the duration of every Sleep call
// once the sleeper is registered.
func (m *Manual) Sleeping() <-chan time.Duration {
	return m.sleepCh
}

func (m *Manual) signal(d time.Duration) {
	select {
	case m.sleepCh <- d:
	default:
	}
}
