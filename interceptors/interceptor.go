package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/internal/reliability"
	"github.com/tidyhome/courier/messaging"
	"golang.org/x/time/rate"
)

// Interceptor wraps a send attempt before it reaches the final sender
type Interceptor interface {
	// Intercept processes a payload and calls the next sender in the chain
	Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, payload contracts.Payload, next messaging.Sender) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, payload contracts.Payload, next messaging.Sender) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	return i.fn(ctx, payload, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs payload through the chain and then final
func (c *InterceptorChain) Execute(ctx context.Context, payload contracts.Payload, final messaging.Sender) error {
	if len(c.interceptors) == 0 {
		return final.Send(ctx, payload)
	}

	// Build the chain in reverse order
	sender := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := sender
		sender = messaging.SenderFunc(func(ctx context.Context, payload contracts.Payload) error {
			return interceptor.Intercept(ctx, payload, next)
		})
	}

	return sender.Send(ctx, payload)
}

// Sender returns a messaging.Sender that runs the chain in front of final
func (c *InterceptorChain) Sender(final messaging.Sender) messaging.Sender {
	c.logger.Debug("interceptor chain built", "interceptors", c.Names())

	return messaging.SenderFunc(func(ctx context.Context, payload contracts.Payload) error {
		return c.Execute(ctx, payload, final)
	})
}

// Built-in interceptors

// LoggingInterceptor logs send attempts
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	start := time.Now()
	attempt, _ := messaging.AttemptFromContext(ctx)

	i.logger.Info("sending message",
		"messageId", attempt.MessageID,
		"attempt", attempt.Number,
		"conversationId", payload.ConversationID,
		"kind", payload.Kind,
	)

	err := next.Send(ctx, payload)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message send failed",
			"messageId", attempt.MessageID,
			"attempt", attempt.Number,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message sent successfully",
			"messageId", attempt.MessageID,
			"attempt", attempt.Number,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsInterceptor collects metrics about send attempts
type MetricsInterceptor struct {
	collector MetricsCollector
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(kind string)
	RecordProcessingTime(kind string, duration time.Duration)
	IncrementErrorCount(kind string, errorType string)
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	start := time.Now()
	kind := payload.Kind.String()

	i.collector.IncrementMessageCount(kind)

	err := next.Send(ctx, payload)
	duration := time.Since(start)

	i.collector.RecordProcessingTime(kind, duration)

	if err != nil {
		i.collector.IncrementErrorCount(kind, errorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	switch {
	case !reliability.IsRetryable(err):
		return "permanent"
	case isTimeout(err):
		return "timeout"
	default:
		return "send_error"
	}
}

// ValidationInterceptor rejects payloads before they reach the transport
type ValidationInterceptor struct {
	validator PayloadValidator
}

// PayloadValidator defines the interface for payload validation
type PayloadValidator interface {
	Validate(ctx context.Context, payload contracts.Payload) error
}

// PayloadValidatorFunc is a function adapter for PayloadValidator
type PayloadValidatorFunc func(ctx context.Context, payload contracts.Payload) error

// Validate implements PayloadValidator
func (f PayloadValidatorFunc) Validate(ctx context.Context, payload contracts.Payload) error {
	return f(ctx, payload)
}

// NewValidationInterceptor creates a new validation interceptor. A nil
// validator checks contracts.Payload.Validate only.
func NewValidationInterceptor(validator PayloadValidator) *ValidationInterceptor {
	if validator == nil {
		validator = PayloadValidatorFunc(func(_ context.Context, payload contracts.Payload) error {
			return payload.Validate()
		})
	}
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor. A rejected payload will fail the same
// way on every attempt, so the error is marked permanent.
func (i *ValidationInterceptor) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	if err := i.validator.Validate(ctx, payload); err != nil {
		return reliability.Permanent(fmt.Errorf("message validation failed: %w", err))
	}

	return next.Send(ctx, payload)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// ThrottleInterceptor paces sends through a token bucket
type ThrottleInterceptor struct {
	limiter *rate.Limiter
}

// NewThrottleInterceptor allows r sends per second with bursts of up to burst
func NewThrottleInterceptor(r rate.Limit, burst int) *ThrottleInterceptor {
	return &ThrottleInterceptor{limiter: rate.NewLimiter(r, burst)}
}

// Intercept implements Interceptor
func (i *ThrottleInterceptor) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttled: %w", err)
	}

	return next.Send(ctx, payload)
}

// Name implements Interceptor
func (i *ThrottleInterceptor) Name() string {
	return "ThrottleInterceptor"
}

// TimeoutInterceptor bounds a single send attempt
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// TimeoutError is returned when an attempt outlives the interceptor's timeout
type TimeoutError struct {
	MessageID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("send timeout after %v for message %s", e.Timeout, e.MessageID)
}

// Unwrap returns context.DeadlineExceeded
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Intercept implements Interceptor.
//
// The attempt runs on the caller's goroutine and never outlives Intercept,
// even when the sender ignores its context.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, payload contracts.Payload, next messaging.Sender) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Send(timeoutCtx, payload)
	if err == nil || ctx.Err() != nil {
		return err
	}

	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		attempt, _ := messaging.AttemptFromContext(ctx)
		return &TimeoutError{MessageID: attempt.MessageID, Timeout: i.timeout}
	}

	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds metrics interceptor
func (b *DefaultInterceptorChainBuilder) WithMetrics(collector MetricsCollector) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator PayloadValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithThrottle adds throttle interceptor
func (b *DefaultInterceptorChainBuilder) WithThrottle(r rate.Limit, burst int) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewThrottleInterceptor(r, burst))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
