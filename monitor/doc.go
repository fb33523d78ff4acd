// Package monitor collects in-process metrics for message dispatch.
//
// SimpleMetricsCollector can be handed to both the dispatch queue and the
// metrics interceptor; GetMetricsSummary returns a JSON-friendly snapshot.
package monitor
