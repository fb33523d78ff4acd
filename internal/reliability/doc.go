// Package reliability provides the retry and failure bookkeeping used by the
// dispatch queue.
//
// This package implements:
//   - Retry Policies: exponential backoff and fixed delay, bounded by a maximum
//     number of failed attempts
//   - Error classification: Permanent marks a failure that should not be retried
//     by policies that classify errors
//   - Abandoned Store: keeps messages that exhausted their retry budget so they
//     can be inspected after the user has been notified
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 0, 2.0, 3)
//	policy.Jitter = false
//
//	// after the first failure: retry in 2s
//	retry, delay := policy.ShouldRetry(1, err)
package reliability
