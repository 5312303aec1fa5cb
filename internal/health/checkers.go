package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
)

// openBreakers returns the names of breakers that are currently open.
func openBreakers(breakers []*circuitbreaker.CircuitBreaker) []string {
	var open []string
	for _, cb := range breakers {
		if cb != nil && cb.State() == circuitbreaker.StateOpen {
			open = append(open, cb.Name())
		}
	}
	return open
}

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client   redis.UniversalClient
	breakers []*circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. Redis only backs the
// sinks and the archive, so it is not critical.
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger, breakers ...*circuitbreaker.CircuitBreaker) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:   client,
		breakers: breakers,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Timestamp: startTime}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	open := openBreakers(r.breakers)
	switch {
	case len(open) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Redis reachable but %d breaker(s) open", len(open))
	case result.Duration > 100*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":    result.Duration.Milliseconds(),
		"open_breakers": open,
	}
	return result
}

// DatabaseHealthChecker checks the event-log database
type DatabaseHealthChecker struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *sqlx.DB, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		db:      db,
		breaker: breaker,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Timestamp: startTime}

	if d.breaker != nil && d.breaker.State() == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Event log circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	stats := d.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	} else if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// PoolHealthChecker reports unhealthy when any role has lost every agent.
type PoolHealthChecker struct {
	coord CoordinatorStats
}

// NewPoolHealthChecker creates a checker over the coordinator pools.
func NewPoolHealthChecker(coord CoordinatorStats) *PoolHealthChecker {
	return &PoolHealthChecker{coord: coord}
}

func (p *PoolHealthChecker) Name() string           { return "agent_pools" }
func (p *PoolHealthChecker) IsCritical() bool       { return true }
func (p *PoolHealthChecker) Timeout() time.Duration { return time.Second }

func (p *PoolHealthChecker) Check(ctx context.Context) CheckResult {
	stats := p.coord.Stats()
	snap := Snapshot{Coordinator: stats}
	details := make(map[string]interface{}, len(stats.PerRole))
	busy := 0
	for role, rs := range stats.PerRole {
		details[string(role)] = map[string]int{
			"total": rs.Total, "idle": rs.Idle, "busy": rs.Busy, "failed": rs.Failed,
		}
		if rs.Idle == 0 && rs.Failed < rs.Total {
			busy++
		}
	}

	result := CheckResult{Details: details}
	if failed := snap.FailedRoles(); len(failed) > 0 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("no working agents for %v", failed)
		return result
	}
	if busy > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d pool(s) fully busy", busy)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d pool(s) available", len(stats.PerRole))
	return result
}

// DispatcherHealthChecker reports degraded while subscribers are dropping
// events.
type DispatcherHealthChecker struct {
	bus DispatcherStats

	mu       sync.Mutex
	lastDrop uint64
	primed   bool
}

// NewDispatcherHealthChecker creates a checker over the event dispatcher.
func NewDispatcherHealthChecker(bus DispatcherStats) *DispatcherHealthChecker {
	return &DispatcherHealthChecker{bus: bus}
}

func (d *DispatcherHealthChecker) Name() string           { return "dispatcher" }
func (d *DispatcherHealthChecker) IsCritical() bool       { return false }
func (d *DispatcherHealthChecker) Timeout() time.Duration { return time.Second }

// Check compares the drop counter with the previous call.
func (d *DispatcherHealthChecker) Check(ctx context.Context) CheckResult {
	stats := d.bus.Stats()
	result := CheckResult{Details: map[string]interface{}{
		"published":   stats.Published,
		"delivered":   stats.Delivered,
		"dropped":     stats.Dropped,
		"subscribers": stats.Subscribers,
	}}
	d.mu.Lock()
	newDrops := d.primed && stats.Dropped > d.lastDrop
	d.lastDrop = stats.Dropped
	d.primed = true
	d.mu.Unlock()
	if newDrops {
		result.Status = StatusDegraded
		result.Message = "subscribers are dropping events"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "dispatcher healthy"
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
