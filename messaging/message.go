package messaging

import (
	"context"
	"time"

	"github.com/tidyhome/courier/contracts"
)

// QueuedMessage is a payload waiting in the dispatch queue
type QueuedMessage struct {
	ID         string
	Payload    contracts.Payload
	RetryCount int
	EnqueuedAt time.Time
	LastError  string
}

type attemptKey struct{}

// Attempt identifies a single delivery attempt of a queued message
type Attempt struct {
	MessageID string
	// Number is 1 for the first attempt
	Number int
}

// WithAttempt returns a context carrying the attempt
func WithAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFromContext returns the attempt a Sender is being called for.
//
// Senders can use the message ID as an idempotency key since it is stable
// across retries.
func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}
