package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual(t *testing.T) {
	t.Run("auto advance", func(t *testing.T) {
		c := NewManual(epoch)
		c.AutoAdvance = true

		require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
		require.NoError(t, c.Sleep(context.Background(), 4*time.Second))

		assert.Equal(t, epoch.Add(6*time.Second), c.Now())
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, c.Sleeps())
	})

	t.Run("blocking sleep wakes on advance", func(t *testing.T) {
		c := NewManual(epoch)
		done := make(chan error, 1)

		go func() { done <- c.Sleep(context.Background(), time.Minute) }()
		<-c.Sleeping()

		c.Advance(30 * time.Second)
		select {
		case <-done:
			t.Fatal("woke before deadline")
		case <-time.After(20 * time.Millisecond):
		}

		c.Advance(30 * time.Second)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("sleeper was not woken")
		}
	})

	t.Run("blocking sleep honours context", func(t *testing.T) {
		c := NewManual(epoch)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, c.Sleep(ctx, time.Hour), context.Canceled)
	})
}

func TestSystem(t *testing.T) {
	start := System.Now()
	require.NoError(t, System.Sleep(context.Background(), time.Millisecond))
	assert.True(t, System.Now().After(start))
}
