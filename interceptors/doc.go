// Package interceptors provides a flexible interceptor system for message sending.
//
// The interceptor pattern adds cross-cutting concerns around a
// messaging.Sender without modifying the transport itself. This package provides:
//   - Interceptor interface and chain management
//   - Built-in interceptors for common concerns
//   - Builder pattern for easy chain construction
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs each send attempt with timing information
//   - MetricsInterceptor: Collects metrics about send attempts
//   - ValidationInterceptor: Rejects invalid payloads as permanent failures
//   - ThrottleInterceptor: Paces sends with a token bucket
//   - TimeoutInterceptor: Bounds how long a single attempt may take
//
// Example usage:
//
//	sender := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithValidation(nil).
//		WithThrottle(rate.Limit(5), 1).
//		WithTimeout(10 * time.Second).
//		Build().
//		Sender(transport)
//
//	queue := messaging.NewQueue(sender)
//
// Interceptors run in the order they are added to the chain, with the final
// sender called last.
package interceptors
