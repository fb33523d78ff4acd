package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")

	// Queue errors
	ErrQueueClosed = errors.New("queue: closed before delivery")
	ErrCancelled   = errors.New("queue: delivery cancelled")

	// Abandoned store errors
	ErrAbandonedNotFound = errors.New("abandoned store: message not found")
)

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// DeliveryAbandonedError is the terminal outcome of a message that was not delivered
type DeliveryAbandonedError struct {
	MessageID string
	Attempts  int
	// Reason is one of the retry or queue sentinel errors
	Reason error
	// Err is the last sender failure, if any
	Err error
}

func (e *DeliveryAbandonedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("message %s abandoned after %d attempts: %v", e.MessageID, e.Attempts, e.Reason)
	}
	return fmt.Sprintf("message %s failed after %d attempts: %v", e.MessageID, e.Attempts, e.Err)
}

// Unwrap exposes both the reason and the last sender failure to errors.Is
func (e *DeliveryAbandonedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}
