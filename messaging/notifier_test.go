package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidyhome/courier/internal/reliability"
)

func TestFailureText(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"exhausted", &reliability.DeliveryAbandonedError{Attempts: 3, Reason: reliability.ErrMaxRetriesExceeded}, "Message failed after 3 attempts"},
		{"not retryable", &reliability.DeliveryAbandonedError{Attempts: 1, Reason: reliability.ErrNonRetryable}, "Message failed after 1 attempt"},
		{"cancelled", &reliability.DeliveryAbandonedError{Reason: reliability.ErrCancelled}, "Message was cancelled before it was sent"},
		{"closed", &reliability.DeliveryAbandonedError{Reason: reliability.ErrQueueClosed}, "Message was not sent before the app closed"},
		{"other", errors.New("boom"), "Message failed to send"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureText(tt.err))
		})
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	n := NewLogNotifier(logger)
	n.NotifyFailure(context.Background(), QueuedMessage{ID: "m-1", RetryCount: 3, Payload: textPayload("hi")},
		&reliability.DeliveryAbandonedError{MessageID: "m-1", Attempts: 3, Reason: reliability.ErrMaxRetriesExceeded})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="Message failed after 3 attempts"`)
	assert.Contains(t, out, "messageId=m-1")
	assert.Contains(t, out, "conversationId=conv-1")
}
