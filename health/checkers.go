package health

import (
	"context"
	"fmt"
	"time"

	"github.com/tidyhome/courier/ratelimit"
)

// ProbeKey is the key LimiterStoreChecker looks up
const ProbeKey = "health:probe"

// Depther reports how many messages are waiting
type Depther interface {
	Len() int
}

// DispatchQueueChecker flags a dispatch queue that is backing up
type DispatchQueueChecker struct {
	queue    Depther
	warning  int
	critical int
}

// NewDispatchQueueChecker reports degraded at warning pending messages and
// unhealthy at critical
func NewDispatchQueueChecker(queue Depther, warning, critical int) *DispatchQueueChecker {
	return &DispatchQueueChecker{
		queue:    queue,
		warning:  warning,
		critical: critical,
	}
}

func (c *DispatchQueueChecker) Name() string {
	return "dispatch_queue"
}

func (c *DispatchQueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depth := c.queue.Len()
	result.Details["pending"] = depth

	switch {
	case depth >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many pending messages: %d", depth)
	case depth >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High pending message count: %d", depth)
	default:
		result.Status = StatusHealthy
		result.Message = "Queue is draining normally"
	}

	result.Duration = time.Since(start)
	return result
}

// LimiterStoreChecker checks that the rate limit store answers lookups
type LimiterStoreChecker struct {
	store ratelimit.Store
}

// NewLimiterStoreChecker creates a new limiter store checker
func NewLimiterStoreChecker(store ratelimit.Store) *LimiterStoreChecker {
	return &LimiterStoreChecker{store: store}
}

func (c *LimiterStoreChecker) Name() string {
	return "limiter_store"
}

func (c *LimiterStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if _, _, err := c.store.Lookup(ctx, ProbeKey); err != nil {
		// the limiter fails open, so a broken store weakens it rather than stopping it
		result.Status = StatusDegraded
		result.Message = "Store lookup failed, attempts are not being limited"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Store is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) error
}

// NewComponentChecker reports unhealthy whenever fn returns an error
func NewComponentChecker(name string, fn func(ctx context.Context) error) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: fn,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if err := c.checker(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s is unavailable", c.name)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s is available", c.name)
	}

	result.Duration = time.Since(start)
	return result
}
