package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidyhome/courier/internal/reliability"
)

// LogNotifier reports failures through a logger. It is the default Notifier.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at warn level
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyFailure implements Notifier
func (n *LogNotifier) NotifyFailure(ctx context.Context, msg QueuedMessage, err error) {
	n.logger.WarnContext(ctx, FailureText(err),
		"messageId", msg.ID,
		"conversationId", msg.Payload.ConversationID,
		"retryCount", msg.RetryCount,
		"error", err,
	)
}

// FailureText renders a terminal failure as a short user-facing sentence
func FailureText(err error) string {
	var abandoned *reliability.DeliveryAbandonedError
	if !errors.As(err, &abandoned) {
		return "Message failed to send"
	}

	switch {
	case errors.Is(abandoned.Reason, reliability.ErrCancelled):
		return "Message was cancelled before it was sent"
	case errors.Is(abandoned.Reason, reliability.ErrQueueClosed):
		return "Message was not sent before the app closed"
	case abandoned.Attempts == 1:
		return "Message failed after 1 attempt"
	default:
		return fmt.Sprintf("Message failed after %d attempts", abandoned.Attempts)
	}
}
