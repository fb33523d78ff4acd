package rabbitmq

import (
	"errors"
	"fmt"
)

var (
	// ErrSenderClosed is returned by Send after Close
	ErrSenderClosed = errors.New("rabbitmq: sender is closed")
	// ErrChannelClosed is returned when the broker closes the channel mid-publish
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")
	// ErrPublishNotConfirmed is returned when the broker nacks a publish
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	// ErrMandatoryFailed is returned when a mandatory publish could not be routed
	ErrMandatoryFailed = errors.New("rabbitmq: mandatory publish failed")
	// ErrConfirmTimeout is returned when no confirm arrives in time
	ErrConfirmTimeout = errors.New("rabbitmq: timeout waiting for confirmation")
)

// PublishError represents a failed publish
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to exchange %s with key %s: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
