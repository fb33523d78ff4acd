package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/internal/clock"
	"github.com/tidyhome/courier/internal/reliability"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// recordingSender records every payload it is asked to send and answers with
// the next scripted result for that content, succeeding once the script runs out.
type recordingSender struct {
	mu     sync.Mutex
	calls  []string
	script map[string][]error
	ids    []string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		script: make(map[string][]error),
	}
}

func (s *recordingSender) failWith(content string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[content] = append(s.script[content], errs...)
}

func (s *recordingSender) Send(ctx context.Context, p contracts.Payload) error {
	s.mu.Lock()
	s.calls = append(s.calls, p.Content)
	if a, ok := AttemptFromContext(ctx); ok {
		s.ids = append(s.ids, a.MessageID)
	}
	var err error
	if errs := s.script[p.Content]; len(errs) > 0 {
		err = errs[0]
		s.script[p.Content] = errs[1:]
	}
	s.mu.Unlock()

	return err
}

func (s *recordingSender) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingSender) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func textPayload(content string) contracts.Payload {
	return contracts.Payload{
		ConversationID: "conv-1",
		SenderID:       "homeowner-1",
		Content:        content,
		Kind:           contracts.KindText,
	}
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

type notification struct {
	msg QueuedMessage
	err error
}

func channelNotifier() (Notifier, <-chan notification) {
	ch := make(chan notification, 16)
	return NotifierFunc(func(_ context.Context, msg QueuedMessage, err error) {
		ch <- notification{msg, err}
	}), ch
}

func TestQueueFIFO(t *testing.T) {
	sender := newRecordingSender()
	q := NewQueue(sender, WithClock(clock.NewManual(epoch)))
	defer q.Close()

	id1 := q.Enqueue(textPayload("m1"))
	id2 := q.Enqueue(textPayload("m2"))
	id3 := q.Enqueue(textPayload("m3"))

	waitIdle(t, q)

	assert.Equal(t, []string{"m1", "m2", "m3"}, sender.Calls())
	assert.Equal(t, []string{id1, id2, id3}, sender.IDs())
	assert.Equal(t, 0, q.Len())

	t.Run("ids are unique", func(t *testing.T) {
		assert.NotEqual(t, id1, id2)
		assert.NotEqual(t, id2, id3)
	})

	t.Run("a later enqueue restarts the worker", func(t *testing.T) {
		q.Enqueue(textPayload("m4"))
		waitIdle(t, q)
		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, sender.Calls())
	})
}

func TestQueueBoundedRetry(t *testing.T) {
	sender := newRecordingSender()
	failure := errors.New("edge function returned 500")
	sender.failWith("m1", failure, failure, failure)

	clk := clock.NewManual(epoch)
	clk.AutoAdvance = true
	notifier, notifications := channelNotifier()
	store := reliability.NewInMemoryAbandonedStore()

	q := NewQueue(sender,
		WithClock(clk),
		WithNotifier(notifier),
		WithAbandonedStore(store),
	)
	defer q.Close()

	id := q.Enqueue(textPayload("m1"))
	waitIdle(t, q)

	assert.Equal(t, []string{"m1", "m1", "m1"}, sender.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clk.Sleeps())
	assert.Equal(t, 0, q.Len())

	select {
	case n := <-notifications:
		assert.Equal(t, id, n.msg.ID)
		assert.Equal(t, 3, n.msg.RetryCount)
		assert.ErrorIs(t, n.err, reliability.ErrMaxRetriesExceeded)
		assert.ErrorIs(t, n.err, failure)
		assert.Equal(t, "Message failed after 3 attempts", FailureText(n.err))
	case <-time.After(time.Second):
		t.Fatal("expected a failure notification")
	}

	abandoned, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, abandoned.Attempts)
	assert.Equal(t, failure.Error(), abandoned.LastError)
	assert.Equal(t, epoch.Add(6*time.Second), abandoned.AbandonedAt)
}

func TestQueueHeadOfLineBlocking(t *testing.T) {
	sender := newRecordingSender()
	sender.failWith("m1", errors.New("offline"))

	clk := clock.NewManual(epoch)
	q := NewQueue(sender, WithClock(clk))
	defer q.Close()

	q.Enqueue(textPayload("m1"))

	select {
	case d := <-clk.Sleeping():
		assert.Equal(t, 2*time.Second, d)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not back off")
	}

	q.Enqueue(textPayload("m2"))

	// m2 must wait for m1 to resolve
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"m1"}, sender.Calls())
	assert.Equal(t, 2, q.Len())

	clk.Advance(2 * time.Second)
	waitIdle(t, q)

	assert.Equal(t, []string{"m1", "m1", "m2"}, sender.Calls())
}

func TestQueueRecoveryMidRetry(t *testing.T) {
	sender := newRecordingSender()
	sender.failWith("m1", errors.New("timeout"))

	clk := clock.NewManual(epoch)
	clk.AutoAdvance = true
	notifier, notifications := channelNotifier()

	q := NewQueue(sender, WithClock(clk), WithNotifier(notifier))
	defer q.Close()

	q.Enqueue(textPayload("m1"))
	waitIdle(t, q)

	assert.Equal(t, []string{"m1", "m1"}, sender.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
	assert.Equal(t, 0, q.Len())

	select {
	case n := <-notifications:
		t.Fatalf("unexpected notification for %s", n.msg.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQueueAttemptContext(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []Attempt
	)
	sender := SenderFunc(func(ctx context.Context, _ contracts.Payload) error {
		a, ok := AttemptFromContext(ctx)
		assert.True(t, ok)
		mu.Lock()
		attempts = append(attempts, a)
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return errors.New("retry me")
		}
		return nil
	})

	clk := clock.NewManual(epoch)
	clk.AutoAdvance = true
	q := NewQueue(sender, WithClock(clk))
	defer q.Close()

	id := q.Enqueue(textPayload("hello"))
	waitIdle(t, q)

	require.Len(t, attempts, 2)
	assert.Equal(t, Attempt{MessageID: id, Number: 1}, attempts[0])
	assert.Equal(t, Attempt{MessageID: id, Number: 2}, attempts[1])
}

func TestQueueCancel(t *testing.T) {
	t.Run("pending message is removed at once", func(t *testing.T) {
		sender := newRecordingSender()
		sender.failWith("m1", errors.New("offline"))
		clk := clock.NewManual(epoch)
		store := reliability.NewInMemoryAbandonedStore()

		q := NewQueue(sender, WithClock(clk), WithAbandonedStore(store))
		defer q.Close()

		q.Enqueue(textPayload("m1"))
		<-clk.Sleeping()
		id2 := q.Enqueue(textPayload("m2"))

		assert.True(t, q.Cancel(id2))
		assert.Equal(t, 1, q.Len())
		assert.False(t, q.Cancel(id2))

		clk.Advance(2 * time.Second)
		waitIdle(t, q)

		assert.Equal(t, []string{"m1", "m1"}, sender.Calls())

		abandoned, err := store.Get(context.Background(), id2)
		require.NoError(t, err)
		assert.Equal(t, 0, abandoned.Attempts)
		assert.Equal(t, reliability.ErrCancelled.Error(), abandoned.Reason)
	})

	t.Run("message in backoff is dropped instead of retried", func(t *testing.T) {
		sender := newRecordingSender()
		sender.failWith("m1", errors.New("offline"))
		clk := clock.NewManual(epoch)
		notifier, notifications := channelNotifier()

		q := NewQueue(sender, WithClock(clk), WithNotifier(notifier))
		defer q.Close()

		id1 := q.Enqueue(textPayload("m1"))
		<-clk.Sleeping()

		assert.True(t, q.Cancel(id1))
		assert.Equal(t, 1, q.Len())

		clk.Advance(2 * time.Second)
		waitIdle(t, q)

		assert.Equal(t, []string{"m1"}, sender.Calls())
		assert.Equal(t, 0, q.Len())

		select {
		case <-notifications:
			t.Fatal("cancellation must not notify")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		q := NewQueue(newRecordingSender())
		defer q.Close()
		assert.False(t, q.Cancel("nope"))
	})
}

func TestQueueClose(t *testing.T) {
	sender := newRecordingSender()
	sender.failWith("m1", errors.New("offline"))
	clk := clock.NewManual(epoch)
	store := reliability.NewInMemoryAbandonedStore()

	q := NewQueue(sender, WithClock(clk), WithAbandonedStore(store))

	id1 := q.Enqueue(textPayload("m1"))
	<-clk.Sleeping()
	id2 := q.Enqueue(textPayload("m2"))

	require.NoError(t, q.Close())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{"m1"}, sender.Calls())

	for _, id := range []string{id1, id2} {
		abandoned, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, reliability.ErrQueueClosed.Error(), abandoned.Reason)
	}

	t.Run("enqueue after close is abandoned", func(t *testing.T) {
		id := q.Enqueue(textPayload("late"))
		assert.NotEmpty(t, id)
		assert.Equal(t, 0, q.Len())

		_, err := store.Get(context.Background(), id)
		assert.NoError(t, err)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		assert.NoError(t, q.Close())
	})
}

func TestQueueNotifierDoesNotBlock(t *testing.T) {
	sender := newRecordingSender()
	failure := errors.New("down")
	sender.failWith("m1", failure, failure, failure)

	clk := clock.NewManual(epoch)
	clk.AutoAdvance = true

	release := make(chan struct{})
	defer close(release)
	blocking := NotifierFunc(func(context.Context, QueuedMessage, error) {
		<-release
	})

	q := NewQueue(sender, WithClock(clk), WithNotifier(blocking))
	defer q.Close()

	q.Enqueue(textPayload("m1"))
	q.Enqueue(textPayload("m2"))
	waitIdle(t, q)

	assert.Equal(t, []string{"m1", "m1", "m1", "m2"}, sender.Calls())
}

func TestQueueNonRetryable(t *testing.T) {
	sender := newRecordingSender()
	sender.failWith("m1", reliability.Permanent(errors.New("content rejected")))

	policy := reliability.NewExponentialBackoff(time.Second, 0, 2.0, 3)
	policy.Jitter = false
	policy.ClassifyErrors = true

	clk := clock.NewManual(epoch)
	clk.AutoAdvance = true
	notifier, notifications := channelNotifier()

	q := NewQueue(sender, WithClock(clk), WithRetryPolicy(policy), WithNotifier(notifier))
	defer q.Close()

	q.Enqueue(textPayload("m1"))
	waitIdle(t, q)

	assert.Equal(t, []string{"m1"}, sender.Calls())
	assert.Empty(t, clk.Sleeps())

	select {
	case n := <-notifications:
		assert.ErrorIs(t, n.err, reliability.ErrNonRetryable)
		assert.Equal(t, "Message failed after 1 attempt", FailureText(n.err))
	case <-time.After(time.Second):
		t.Fatal("expected a failure notification")
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	sender := newRecordingSender()
	q := NewQueue(sender, WithClock(clock.NewManual(epoch)))
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				q.Enqueue(textPayload("m"))
			}
		}()
	}
	wg.Wait()
	waitIdle(t, q)

	assert.Len(t, sender.Calls(), 40)
	assert.Equal(t, 0, q.Len())
}
