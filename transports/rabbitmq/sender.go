package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/internal/clock"
	"github.com/tidyhome/courier/internal/reliability"
	"github.com/tidyhome/courier/messaging"
)

const (
	// DefaultExchange is the topic exchange chat messages are published to
	DefaultExchange = "courier.messages"
	// RoutingKeyPrefix prefixes the conversation ID in routing keys
	RoutingKeyPrefix = "conversation."
)

// Channel is the part of *amqp.Channel the sender uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sender publishes chat messages and waits for publisher confirms
type Sender struct {
	exchange       string
	declare        bool
	mandatory      bool
	confirmTimeout time.Duration
	dialRetry      reliability.RetryPolicy
	logger         *slog.Logger
	clock          clock.Clock

	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	nextTag  uint64
	closed   bool
}

// SenderOption configures the Sender
type SenderOption func(*Sender)

// WithExchange sets the exchange name
func WithExchange(name string) SenderOption {
	return func(s *Sender) { s.exchange = name }
}

// WithoutExchangeDeclare skips declaring the exchange
func WithoutExchangeDeclare() SenderOption {
	return func(s *Sender) { s.declare = false }
}

// WithMandatory makes unroutable messages count as failed sends
func WithMandatory(mandatory bool) SenderOption {
	return func(s *Sender) { s.mandatory = mandatory }
}

// WithConfirmTimeout sets how long to wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) SenderOption {
	return func(s *Sender) { s.confirmTimeout = timeout }
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logger }
}

// WithSenderClock sets the clock used for envelope timestamps
func WithSenderClock(c clock.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}

// DefaultDialRetry is the policy Dial uses unless WithDialRetry is given.
// It makes three attempts a second apart and gives up at once on bad
// credentials or an unknown vhost.
func DefaultDialRetry() reliability.RetryPolicy {
	p := reliability.NewFixedDelay(time.Second, 3)
	p.ClassifyErrors = true
	return p
}

// WithDialRetry sets the policy Dial uses between connection attempts
func WithDialRetry(policy reliability.RetryPolicy) SenderOption {
	return func(s *Sender) { s.dialRetry = policy }
}

// dialBroker opens the connection; tests replace it
var dialBroker = amqp.DialConfig

// Dial connects to the broker at url and returns a Sender that owns the
// connection. A deadline on ctx bounds all connection attempts together.
func Dial(ctx context.Context, url string, options ...SenderOption) (*Sender, error) {
	s := newSender(options)

	var conn *amqp.Connection
	err := reliability.Retry(ctx, "dial broker", s.dialRetry, func(ctx context.Context) error {
		timeout := 30 * time.Second
		if d, ok := linger.FromContextDeadline(ctx); ok {
			timeout = d
		}

		c, err := dialBroker(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(timeout),
		})
		if err != nil {
			if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) {
				return reliability.Permanent(err)
			}
			s.logger.Warn("broker dial failed", "error", err)
			return err
		}

		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := s.attach(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			s.logger.Error("broker connection closed", "error", amqpErr)
		}
	}()

	return s, nil
}

// NewSender puts ch into confirm mode and declares the exchange
func NewSender(ch Channel, options ...SenderOption) (*Sender, error) {
	s := newSender(options)
	if err := s.attach(ch); err != nil {
		return nil, err
	}
	return s, nil
}

func newSender(options []SenderOption) *Sender {
	s := &Sender{
		exchange:       DefaultExchange,
		declare:        true,
		mandatory:      true,
		confirmTimeout: 5 * time.Second,
		dialRetry:      DefaultDialRetry(),
		logger:         slog.Default(),
		clock:          clock.System,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

func (s *Sender) attach(ch Channel) error {
	if s.declare {
		if err := ch.ExchangeDeclare(s.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	s.ch = ch
	s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	s.returns = ch.NotifyReturn(make(chan amqp.Return, 1))

	return nil
}

// RoutingKey returns the routing key for a conversation
func RoutingKey(conversationID string) string {
	return RoutingKeyPrefix + conversationID
}

// Send implements messaging.Sender
func (s *Sender) Send(ctx context.Context, payload contracts.Payload) error {
	attempt, ok := messaging.AttemptFromContext(ctx)
	if !ok {
		attempt = messaging.Attempt{MessageID: uuid.NewString(), Number: 1}
	}

	now := s.clock.Now()
	env, err := contracts.NewEnvelope(attempt.MessageID, payload, now)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	key := RoutingKey(payload.ConversationID)
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     attempt.MessageID,
		CorrelationId: payload.ConversationID,
		Type:          contracts.EnvelopeType,
		Timestamp:     now,
		Headers: amqp.Table{
			"x-attempt":      int32(attempt.Number),
			"x-message-kind": payload.Kind.String(),
		},
		Body: body,
	}

	if err := s.publish(ctx, key, msg); err != nil {
		return &PublishError{
			Exchange:   s.exchange,
			RoutingKey: key,
			MessageID:  attempt.MessageID,
			Err:        err,
		}
	}

	s.logger.Debug("message published",
		"messageId", attempt.MessageID,
		"routingKey", key,
		"attempt", attempt.Number,
	)
	return nil
}

// publish sends one message and waits for its confirm. Publishes are
// serialized so each confirm can be matched to its delivery tag.
func (s *Sender) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}

	if err := s.ch.PublishWithContext(ctx, s.exchange, key, s.mandatory, false, msg); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	s.nextTag++
	tag := s.nextTag

	timeout := time.NewTimer(s.confirmTimeout)
	defer timeout.Stop()

	returned := false
	for {
		select {
		case ret, ok := <-s.returns:
			if !ok {
				return ErrChannelClosed
			}
			if ret.MessageId == msg.MessageId {
				returned = true
				s.logger.Warn("message returned by broker",
					"messageId", ret.MessageId,
					"replyCode", ret.ReplyCode,
					"replyText", ret.ReplyText,
				)
			}

		case confirm, ok := <-s.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				// late confirm for an earlier publish that timed out
				continue
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			// the broker sends basic.return before the ack, so it is already buffered
			if !returned {
				select {
				case ret, ok := <-s.returns:
					returned = ok && ret.MessageId == msg.MessageId
				default:
				}
			}
			if returned {
				return ErrMandatoryFailed
			}
			return nil

		case <-timeout.C:
			return ErrConfirmTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ping reports whether the sender can still publish
func (s *Sender) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}
	if s.conn != nil && s.conn.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

// Close closes the channel, and the connection if the sender dialed it
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

var _ messaging.Sender = (*Sender)(nil)
