package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/internal/clock"
	"github.com/tidyhome/courier/internal/reliability"
)

// DefaultMaxAttempts is the number of delivery attempts before a message is abandoned
const DefaultMaxAttempts = 3

// DefaultRetryPolicy returns the queue's default policy: 1s * 2^failures
// between attempts, three attempts in total, failures never classified.
func DefaultRetryPolicy() reliability.RetryPolicy {
	p := reliability.NewExponentialBackoff(time.Second, 0, 2.0, DefaultMaxAttempts)
	p.Jitter = false
	return p
}

// Queue delivers messages to a Sender one at a time in enqueue order
type Queue struct {
	sender    Sender
	logger    *slog.Logger
	notifier  Notifier
	clock     clock.Clock
	policy    reliability.RetryPolicy
	abandoned reliability.AbandonedStore
	metrics   MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*entry
	active  bool
	idle    chan struct{}
	closed  bool
}

type entry struct {
	msg       QueuedMessage
	attempted bool
	cancelled bool
}

// QueueOption configures the Queue
type QueueOption func(*Queue)

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNotifier sets the notifier told about terminal failures
func WithNotifier(notifier Notifier) QueueOption {
	return func(q *Queue) {
		q.notifier = notifier
	}
}

// WithClock sets the clock used for timestamps and backoff
func WithClock(c clock.Clock) QueueOption {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) QueueOption {
	return func(q *Queue) {
		q.policy = policy
	}
}

// WithAbandonedStore sets the store that keeps abandoned messages
func WithAbandonedStore(store reliability.AbandonedStore) QueueOption {
	return func(q *Queue) {
		q.abandoned = store
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(collector MetricsCollector) QueueOption {
	return func(q *Queue) {
		q.metrics = collector
	}
}

// NewQueue creates a dispatch queue that delivers through sender
func NewQueue(sender Sender, options ...QueueOption) *Queue {
	q := &Queue{
		sender:  sender,
		logger:  slog.Default(),
		clock:   clock.System,
		policy:  DefaultRetryPolicy(),
		metrics: noopMetrics{},
	}

	for _, opt := range options {
		opt(q)
	}

	if q.notifier == nil {
		q.notifier = NewLogNotifier(q.logger)
	}
	if q.abandoned == nil {
		q.abandoned = reliability.NewInMemoryAbandonedStore()
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())

	return q
}

// Enqueue appends payload to the tail of the queue and returns its ID.
//
// It does not wait for delivery. A message enqueued after Close is recorded
// as abandoned straight away.
func (q *Queue) Enqueue(payload contracts.Payload) string {
	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Payload:    payload.Clone(),
		EnqueuedAt: q.clock.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.abandon(msg, reliability.ErrQueueClosed, nil, false)
		return msg.ID
	}

	q.pending = append(q.pending, &entry{msg: msg})
	depth := len(q.pending)
	if !q.active {
		q.active = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.logger.Debug("message queued",
		"messageId", msg.ID,
		"conversationId", payload.ConversationID,
		"depth", depth,
	)

	return msg.ID
}

// Len returns the number of messages not yet delivered or abandoned
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Cancel withdraws a message.
//
// A message that has not been attempted yet is removed at once. A message that
// is being attempted, or waiting to be retried, finishes its current attempt
// and is then dropped instead of retried. It returns false if id is not queued.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()

	for i, e := range q.pending {
		if e.msg.ID != id {
			continue
		}
		if e.attempted {
			e.cancelled = true
			q.mu.Unlock()
			q.logger.Debug("cancellation deferred until attempt completes", "messageId", id)
			return true
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.mu.Unlock()

		q.abandon(e.msg, reliability.ErrCancelled, nil, false)
		return true
	}

	q.mu.Unlock()
	return false
}

// WaitIdle blocks until the queue is empty or ctx is done
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and abandons any undelivered messages.
//
// An attempt that is in flight is interrupted through its context. Abandoned
// messages are recorded but the notifier is not called.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancel()
	active, idle := q.active, q.idle
	q.mu.Unlock()

	if active {
		<-idle
	}

	q.mu.Lock()
	remaining := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range remaining {
		q.abandon(e.msg, reliability.ErrQueueClosed, lastError(e.msg), false)
	}
	q.metrics.SetQueueDepth(0)

	if len(remaining) > 0 {
		q.logger.Warn("queue closed with undelivered messages", "count", len(remaining))
	}

	return nil
}

// drain is the single worker. It runs until the queue is empty or closed.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			q.active = false
			close(q.idle)
			q.mu.Unlock()
			return
		}

		head := q.pending[0]
		if head.cancelled {
			q.popHead()
			q.mu.Unlock()
			q.abandon(head.msg, reliability.ErrCancelled, lastError(head.msg), false)
			continue
		}
		head.attempted = true
		msg := head.msg
		q.mu.Unlock()

		if !q.attempt(head, msg) {
			q.mu.Lock()
			q.active = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
	}
}

// attempt makes one delivery attempt for the head entry and waits out the
// backoff if it is to be retried. It returns false if the queue was closed.
func (q *Queue) attempt(head *entry, msg QueuedMessage) bool {
	kind := msg.Payload.Kind.String()

	ctx := WithAttempt(q.ctx, Attempt{MessageID: msg.ID, Number: msg.RetryCount + 1})
	start := q.clock.Now()
	err := q.sender.Send(ctx, msg.Payload)
	q.metrics.RecordAttempt(kind, err == nil, q.clock.Now().Sub(start))

	if err == nil {
		q.mu.Lock()
		q.popHead()
		depth := len(q.pending)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(depth)
		q.logger.Debug("message delivered",
			"messageId", msg.ID,
			"retryCount", msg.RetryCount,
		)
		return true
	}

	if q.ctx.Err() != nil {
		q.mu.Lock()
		head.msg.LastError = err.Error()
		q.mu.Unlock()
		return false
	}

	q.mu.Lock()
	head.msg.RetryCount++
	head.msg.LastError = err.Error()
	msg = head.msg
	cancelled := head.cancelled
	q.mu.Unlock()

	if cancelled {
		q.mu.Lock()
		q.popHead()
		q.mu.Unlock()
		q.abandon(msg, reliability.ErrCancelled, err, false)
		return true
	}

	retry, delay := q.policy.ShouldRetry(msg.RetryCount, err)
	if !retry {
		reason := reliability.ErrMaxRetriesExceeded
		if msg.RetryCount < q.policy.MaxRetries() {
			reason = reliability.ErrNonRetryable
		}

		q.mu.Lock()
		q.popHead()
		q.mu.Unlock()
		q.abandon(msg, reason, err, true)
		return true
	}

	q.logger.Warn("message delivery failed, will retry",
		"messageId", msg.ID,
		"retryCount", msg.RetryCount,
		"retryIn", delay,
		"error", err,
	)

	return q.clock.Sleep(q.ctx, delay) == nil
}

// popHead removes the head entry. q.mu must be held.
func (q *Queue) popHead() {
	q.pending[0] = nil
	q.pending = q.pending[1:]
}

func (q *Queue) abandon(msg QueuedMessage, reason, lastErr error, notify bool) {
	attempts := msg.RetryCount
	err := &reliability.DeliveryAbandonedError{
		MessageID: msg.ID,
		Attempts:  attempts,
		Reason:    reason,
		Err:       lastErr,
	}

	q.metrics.SetQueueDepth(q.Len())
	q.metrics.RecordAbandoned(msg.Payload.Kind.String(), reasonLabel(reason))

	record := reliability.AbandonedMessage{
		ID:          msg.ID,
		Payload:     msg.Payload,
		Attempts:    attempts,
		Reason:      reason.Error(),
		LastError:   msg.LastError,
		EnqueuedAt:  msg.EnqueuedAt,
		AbandonedAt: q.clock.Now(),
	}
	if storeErr := q.abandoned.Store(context.Background(), record); storeErr != nil {
		q.logger.Error("failed to record abandoned message",
			"messageId", msg.ID,
			"error", storeErr,
		)
	}

	q.logger.Error("message abandoned",
		"messageId", msg.ID,
		"conversationId", msg.Payload.ConversationID,
		"attempts", attempts,
		"reason", reason,
		"error", lastErr,
	)

	if notify {
		go q.notifier.NotifyFailure(context.Background(), msg, err)
	}
}

func lastError(msg QueuedMessage) error {
	if msg.LastError == "" {
		return nil
	}
	return errors.New(msg.LastError)
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, reliability.ErrCancelled):
		return "cancelled"
	case errors.Is(reason, reliability.ErrQueueClosed):
		return "closed"
	case errors.Is(reason, reliability.ErrNonRetryable):
		return "non_retryable"
	default:
		return "max_retries_exceeded"
	}
}
