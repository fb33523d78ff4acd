package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/tidyhome/courier/interceptors"
	"github.com/tidyhome/courier/messaging"
)

const maxSamples = 100

// SimpleMetricsCollector implements a basic in-memory metrics collector
// that can be extended with exporters (Prometheus, etc.) later
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Send counters by message kind
	messageCounters map[string]int64

	// Error counters by message kind and error type
	errorCounters map[string]map[string]int64

	// Send time stats by message kind
	processingTimes map[string]*TimeStats

	// Queue attempt outcomes by message kind
	attempts map[string]*AttemptCounts

	// Abandoned counters by message kind and reason
	abandoned map[string]map[string]int64

	queueDepth    int
	maxQueueDepth int
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last maxSamples for percentiles
}

// AttemptCounts tracks delivery attempt outcomes
type AttemptCounts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.reset()
	return c
}

func (c *SimpleMetricsCollector) reset() {
	c.messageCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*TimeStats)
	c.attempts = make(map[string]*AttemptCounts)
	c.abandoned = make(map[string]map[string]int64)
	c.queueDepth = 0
	c.maxQueueDepth = 0
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementMessageCount(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCounters[kind]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) RecordProcessingTime(kind string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	durationMs := duration.Milliseconds()

	stats, exists := c.processingTimes[kind]
	if !exists {
		stats = &TimeStats{
			MinMs:   durationMs,
			MaxMs:   durationMs,
			samples: make([]int64, 0, maxSamples),
		}
		c.processingTimes[kind] = stats
	}

	stats.Count++
	stats.TotalMs += durationMs

	if durationMs < stats.MinMs {
		stats.MinMs = durationMs
	}
	if durationMs > stats.MaxMs {
		stats.MaxMs = durationMs
	}

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(kind string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[kind] == nil {
		c.errorCounters[kind] = make(map[string]int64)
	}
	c.errorCounters[kind][errorType]++
}

// RecordAttempt implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordAttempt(kind string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts, ok := c.attempts[kind]
	if !ok {
		counts = &AttemptCounts{}
		c.attempts[kind] = counts
	}
	if success {
		counts.Succeeded++
	} else {
		counts.Failed++
	}
}

// RecordAbandoned implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordAbandoned(kind string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned[kind] == nil {
		c.abandoned[kind] = make(map[string]int64)
	}
	c.abandoned[kind][reason]++
}

// SetQueueDepth implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) SetQueueDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queueDepth = depth
	if depth > c.maxQueueDepth {
		c.maxQueueDepth = depth
	}
}

// TotalAbandoned returns the number of abandoned messages across all kinds
func (c *SimpleMetricsCollector) TotalAbandoned() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, reasons := range c.abandoned {
		for _, n := range reasons {
			total += n
		}
	}
	return total
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		MessageCounts:   make(map[string]int64),
		ErrorCounts:     make(map[string]map[string]int64),
		ProcessingStats: make(map[string]ProcessingStats),
		Attempts:        make(map[string]AttemptCounts),
		Abandoned:       make(map[string]map[string]int64),
		QueueDepth:      c.queueDepth,
		MaxQueueDepth:   c.maxQueueDepth,
	}

	for kind, count := range c.messageCounters {
		summary.MessageCounts[kind] = count
	}

	summary.ErrorCounts = copyNested(c.errorCounters)
	summary.Abandoned = copyNested(c.abandoned)

	for kind, counts := range c.attempts {
		summary.Attempts[kind] = *counts
	}

	for kind, stats := range c.processingTimes {
		procStats := ProcessingStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}

		if stats.Count > 0 {
			procStats.AvgMs = stats.TotalMs / stats.Count
		}

		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			procStats.P50Ms = percentile(sorted, 0.50)
			procStats.P95Ms = percentile(sorted, 0.95)
			procStats.P99Ms = percentile(sorted, 0.99)
		}

		summary.ProcessingStats[kind] = procStats
	}

	return summary
}

// percentile picks the given percentile from sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)-1) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func copyNested(src map[string]map[string]int64) map[string]map[string]int64 {
	dst := make(map[string]map[string]int64, len(src))
	for outer, inner := range src {
		dst[outer] = make(map[string]int64, len(inner))
		for k, v := range inner {
			dst[outer][k] = v
		}
	}
	return dst
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	MessageCounts   map[string]int64            `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
	Attempts        map[string]AttemptCounts    `json:"attempts"`
	Abandoned       map[string]map[string]int64 `json:"abandoned"`
	QueueDepth      int                         `json:"queue_depth"`
	MaxQueueDepth   int                         `json:"max_queue_depth"`
}

// ProcessingStats represents send time statistics for a message kind
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

var (
	_ interceptors.MetricsCollector = (*SimpleMetricsCollector)(nil)
	_ messaging.MetricsCollector    = (*SimpleMetricsCollector)(nil)
)
