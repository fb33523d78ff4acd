package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmit(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	window := 15 * time.Minute

	t.Run("missing record starts a window", func(t *testing.T) {
		rec, ok := Admit(Record{}, false, now, 5, window)
		assert.True(t, ok)
		assert.Equal(t, Record{Count: 1, WindowStart: now}, rec)
	})

	t.Run("increments inside the window", func(t *testing.T) {
		rec, ok := Admit(Record{Count: 2, WindowStart: now}, true, now.Add(time.Minute), 5, window)
		assert.True(t, ok)
		assert.Equal(t, 3, rec.Count)
		assert.Equal(t, now, rec.WindowStart)
	})

	t.Run("denies at the limit without changing the record", func(t *testing.T) {
		in := Record{Count: 5, WindowStart: now}
		rec, ok := Admit(in, true, now.Add(time.Minute), 5, window)
		assert.False(t, ok)
		assert.Equal(t, in, rec)
	})

	t.Run("window boundary is still inside", func(t *testing.T) {
		_, ok := Admit(Record{Count: 5, WindowStart: now}, true, now.Add(window), 5, window)
		assert.False(t, ok)
	})

	t.Run("elapsed window resets", func(t *testing.T) {
		later := now.Add(window + time.Millisecond)
		rec, ok := Admit(Record{Count: 5, WindowStart: now}, true, later, 5, window)
		assert.True(t, ok)
		assert.Equal(t, Record{Count: 1, WindowStart: later}, rec)
	})
}

func TestRecordRemaining(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rec := Record{Count: 1, WindowStart: now}

	assert.Equal(t, 15*time.Minute, rec.Remaining(now, 15*time.Minute))
	assert.Equal(t, time.Minute, rec.Remaining(now.Add(14*time.Minute), 15*time.Minute))
	assert.Zero(t, rec.Remaining(now.Add(20*time.Minute), 15*time.Minute))

	assert.True(t, rec.Active(now.Add(15*time.Minute), 15*time.Minute))
	assert.False(t, rec.Active(now.Add(15*time.Minute+time.Nanosecond), 15*time.Minute))
}

func TestCeilMinutes(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Minute, 1},
		{time.Minute + time.Millisecond, 2},
		{15 * time.Minute, 15},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ceilMinutes(tt.in))
		})
	}
}
