package messaging

import (
	"context"
	"time"

	"github.com/tidyhome/courier/contracts"
)

// Sender attempts to durably deliver one message.
//
// Any non-nil error is a failed attempt. The queue does not inspect it beyond
// handing it to the retry policy.
type Sender interface {
	Send(ctx context.Context, payload contracts.Payload) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, payload contracts.Payload) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, payload contracts.Payload) error {
	return f(ctx, payload)
}

// Notifier reports terminal delivery failures to the user.
//
// The queue calls NotifyFailure on its own goroutine and never waits for it.
type Notifier interface {
	NotifyFailure(ctx context.Context, msg QueuedMessage, err error)
}

// NotifierFunc is a function adapter for Notifier
type NotifierFunc func(ctx context.Context, msg QueuedMessage, err error)

// NotifyFailure implements Notifier
func (f NotifierFunc) NotifyFailure(ctx context.Context, msg QueuedMessage, err error) {
	f(ctx, msg, err)
}

// MetricsCollector collects dispatch queue metrics
type MetricsCollector interface {
	// RecordAttempt records the outcome of one delivery attempt
	RecordAttempt(kind string, success bool, duration time.Duration)

	// RecordAbandoned records a message that reached terminal failure
	RecordAbandoned(kind string, reason string)

	// SetQueueDepth records the number of unresolved messages
	SetQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordAttempt(string, bool, time.Duration) {}
func (noopMetrics) RecordAbandoned(string, string)            {}
func (noopMetrics) SetQueueDepth(int)                         {}
