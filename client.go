// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/health"
	"github.com/tidyhome/courier/interceptors"
	"github.com/tidyhome/courier/internal/clock"
	"github.com/tidyhome/courier/internal/config"
	"github.com/tidyhome/courier/internal/reliability"
	"github.com/tidyhome/courier/messaging"
	"github.com/tidyhome/courier/monitor"
	"github.com/tidyhome/courier/ratelimit"
	"github.com/tidyhome/courier/ratelimit/infra"
	rabbitmqTransport "github.com/tidyhome/courier/transports/rabbitmq"
	"golang.org/x/time/rate"
)

// Client provides the main entry point for courier
type Client struct {
	queue     *messaging.Queue
	limiter   *ratelimit.Limiter
	metrics   *monitor.SimpleMetricsCollector
	abandoned reliability.AbandonedStore
	health    *health.Registry
	logger    *slog.Logger
	closers   []func() error
}

// Pending message counts at which the dispatch queue reports degraded and
// unhealthy
const (
	QueueDepthWarning  = 50
	QueueDepthCritical = 500
)

// NewClient creates a client from the environment (see internal/config) and
// connects to the configured broker unless WithSender is given.
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg, err := resolve(ctx, options)
	if err != nil {
		return nil, err
	}

	c := &Client{
		metrics:   monitor.NewSimpleMetricsCollector(),
		abandoned: reliability.NewInMemoryAbandonedStore(),
		health:    health.NewRegistry(),
		logger:    cfg.logger,
	}

	sender := cfg.sender
	if sender == nil {
		transport, err := rabbitmqTransport.Dial(ctx, cfg.settings.AMQP.URL,
			rabbitmqTransport.WithExchange(cfg.settings.AMQP.Exchange),
			rabbitmqTransport.WithConfirmTimeout(cfg.settings.AMQP.ConfirmTimeout),
			rabbitmqTransport.WithDialRetry(dialPolicy(cfg.settings.AMQP)),
			rabbitmqTransport.WithSenderLogger(cfg.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.closers = append(c.closers, transport.Close)
		c.health.Register(health.NewComponentChecker("broker", transport.Ping))
		sender = transport
	}

	limiter, store, closeStore, err := openLimiter(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.limiter = limiter
	c.closers = append(c.closers, closeStore)
	c.health.Register(health.NewLimiterStoreChecker(store))

	c.queue = messaging.NewQueue(
		buildChain(cfg, c.metrics).Sender(sender),
		messaging.WithQueueLogger(cfg.logger),
		messaging.WithClock(cfg.clock),
		messaging.WithRetryPolicy(retryPolicy(cfg.settings.Retry)),
		messaging.WithNotifier(cfg.notifier),
		messaging.WithAbandonedStore(c.abandoned),
		messaging.WithMetricsCollector(c.metrics),
	)
	c.health.Register(health.NewDispatchQueueChecker(c.queue, QueueDepthWarning, QueueDepthCritical))

	cfg.logger.Info("courier client ready",
		"exchange", cfg.settings.AMQP.Exchange,
		"limiterBackend", cfg.settings.Limiter.Backend,
		"maxAttempts", cfg.settings.Retry.MaxAttempts,
	)

	return c, nil
}

// NewLimiter opens only the rate limiter and its store. The returned
// function releases the store.
func NewLimiter(ctx context.Context, options ...ClientOption) (*ratelimit.Limiter, func() error, error) {
	cfg, err := resolve(ctx, options)
	if err != nil {
		return nil, nil, err
	}
	limiter, _, closeStore, err := openLimiter(ctx, cfg)
	return limiter, closeStore, err
}

// Send enqueues a chat message for delivery and returns its ID at once
func (c *Client) Send(payload contracts.Payload) string {
	return c.queue.Enqueue(payload)
}

// Queue returns the dispatch queue
func (c *Client) Queue() *messaging.Queue {
	return c.queue
}

// Limiter returns the rate limiter
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Metrics returns the metrics collector shared by the queue and the sender chain
func (c *Client) Metrics() *monitor.SimpleMetricsCollector {
	return c.metrics
}

// Abandoned returns the store of messages that were never delivered
func (c *Client) Abandoned() reliability.AbandonedStore {
	return c.abandoned
}

// Health runs the broker, limiter store and dispatch queue checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Close stops the queue and releases the transport and limiter store
func (c *Client) Close() error {
	var errs []error
	if c.queue != nil {
		errs = append(errs, c.queue.Close())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildChain(cfg *clientConfig, metrics *monitor.SimpleMetricsCollector) *interceptors.InterceptorChain {
	b := interceptors.NewDefaultInterceptorChainBuilder(cfg.logger).
		WithLogging().
		WithMetrics(metrics).
		WithValidation(nil)

	if cfg.settings.Throttle.Rate > 0 {
		b.WithThrottle(rate.Limit(cfg.settings.Throttle.Rate), cfg.settings.Throttle.Burst)
	}
	if cfg.settings.SendTimeout > 0 {
		b.WithTimeout(cfg.settings.SendTimeout)
	}
	for _, i := range cfg.interceptors {
		b.WithCustom(i)
	}

	return b.Build()
}

func dialPolicy(ac config.AMQPConfig) reliability.RetryPolicy {
	p := reliability.NewFixedDelay(ac.DialRetryDelay, ac.DialAttempts)
	p.ClassifyErrors = true
	return p
}

func retryPolicy(rc config.RetryConfig) reliability.RetryPolicy {
	p := reliability.NewExponentialBackoff(rc.BaseDelay, 0, 2.0, rc.MaxAttempts)
	p.Jitter = false
	p.ClassifyErrors = rc.ClassifyErrors
	return p
}

func openLimiter(ctx context.Context, cfg *clientConfig) (*ratelimit.Limiter, ratelimit.Store, func() error, error) {
	lc := cfg.settings.Limiter

	var (
		store     ratelimit.Store
		closeFunc = func() error { return nil }
	)

	switch lc.Backend {
	case config.BackendBolt:
		s, err := infra.OpenBoltStore(ctx, lc.BoltPath, infra.WithBoltLogger(cfg.logger))
		if err != nil {
			return nil, nil, nil, err
		}
		janitorCtx, cancel := context.WithCancel(context.Background())
		s.StartJanitor(janitorCtx)
		store, closeFunc = s, func() error { cancel(); return s.Close() }

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("failed to reach redis at %s: %w", lc.RedisAddr, err)
		}
		store, closeFunc = infra.NewRedisStore(rdb, infra.WithRedisPrefix(lc.RedisPrefix)), rdb.Close

	default:
		s := ratelimit.NewMemoryStore()
		janitorCtx, cancel := context.WithCancel(context.Background())
		s.StartJanitor(janitorCtx)
		store, closeFunc = s, func() error { cancel(); return nil }
	}

	limiter := ratelimit.NewLimiter(store,
		ratelimit.WithDefaults(lc.MaxAttempts, lc.Window),
		ratelimit.WithClock(cfg.clock),
		ratelimit.WithLogger(cfg.logger),
	)

	return limiter, store, closeFunc, nil
}

// clientConfig holds client configuration
type clientConfig struct {
	settings     *config.Config
	envFiles     []string
	logger       *slog.Logger
	sender       messaging.Sender
	notifier     messaging.Notifier
	clock        clock.Clock
	interceptors []interceptors.Interceptor
}

func resolve(ctx context.Context, options []ClientOption) (*clientConfig, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
		clock:  clock.System,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.settings == nil {
		settings, err := config.Load(ctx, cfg.envFiles...)
		if err != nil {
			return nil, err
		}
		cfg.settings = &settings
	} else if err := cfg.settings.Validate(); err != nil {
		return nil, err
	}

	if cfg.notifier == nil {
		cfg.notifier = messaging.NewLogNotifier(cfg.logger)
	}

	return cfg, nil
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithConfig uses already loaded settings instead of reading the environment
func WithConfig(settings config.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.settings = &settings
	}
}

// WithEnvFiles sets the env files read before the environment
func WithEnvFiles(files ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.envFiles = files
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSender delivers through sender instead of dialing the broker
func WithSender(sender messaging.Sender) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sender = sender
	}
}

// WithNotifier sets the notifier told about messages that could not be sent
func WithNotifier(notifier messaging.Notifier) ClientOption {
	return func(cfg *clientConfig) {
		cfg.notifier = notifier
	}
}

// WithClock sets the clock used for backoff and rate limit windows
func WithClock(c clock.Clock) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clock = c
	}
}

// WithInterceptors appends interceptors after the built-in ones
func WithInterceptors(i ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, i...)
	}
}
