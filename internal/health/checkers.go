// Package health runs dependency checks and serves the liveness and
// readiness endpoints of the admin server.
package health

import (
	"context"
	"database/sql"
	"time"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON responses
func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// slowThreshold marks a responding dependency as degraded
const slowThreshold = 100 * time.Millisecond

// CheckResult contains the result of a health check
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker is one dependency check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical reports whether a failure makes the service unready
	IsCritical() bool
	Timeout() time.Duration
}

// RedisPinger is satisfied by *circuitbreaker.RedisWrapper
type RedisPinger interface {
	Ping(ctx context.Context) error
	IsCircuitBreakerOpen() bool
}

// RedisChecker checks the shared cache
type RedisChecker struct {
	client  RedisPinger
	timeout time.Duration
}

// NewRedisChecker creates a Redis checker
func NewRedisChecker(client RedisPinger) *RedisChecker {
	return &RedisChecker{client: client, timeout: 5 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

// Check pings Redis. The caches degrade to recomputation, so Redis is not critical.
func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Timestamp: start}

	if r.client.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(start)
		return result
	}
	return finish(result, start, r.client.Ping(ctx), "Redis")
}

// DatabaseChecker checks the preference store database
type DatabaseChecker struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDatabaseChecker creates a database checker
func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db, timeout: 5 * time.Second}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}
	result = finish(result, start, d.db.PingContext(ctx), "Database")
	if result.Status == StatusUnhealthy {
		return result
	}

	stats := d.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	}
	result.Details["open_connections"] = stats.OpenConnections
	result.Details["max_open_connections"] = stats.MaxOpenConnections
	result.Details["in_use_connections"] = stats.InUse
	return result
}

// Pinger is satisfied by *vectordb.QdrantIndex
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexChecker checks an external vector index
type IndexChecker struct {
	name    string
	index   Pinger
	timeout time.Duration
}

// NewIndexChecker creates a vector index checker
func NewIndexChecker(name string, index Pinger) *IndexChecker {
	return &IndexChecker{name: name, index: index, timeout: 5 * time.Second}
}

func (i *IndexChecker) Name() string           { return i.name }
func (i *IndexChecker) IsCritical() bool       { return true }
func (i *IndexChecker) Timeout() time.Duration { return i.timeout }

func (i *IndexChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: i.name, Critical: true, Timestamp: start}
	return finish(result, start, i.index.Ping(ctx), "Vector index")
}

// FuncChecker adapts a function to Checker
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

// NewFuncChecker creates a checker backed by fn
func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *FuncChecker) Name() string           { return c.name }
func (c *FuncChecker) IsCritical() bool       { return c.critical }
func (c *FuncChecker) Timeout() time.Duration { return c.timeout }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	result := c.fn(ctx)
	result.Component = c.name
	result.Critical = c.critical
	return result
}

func finish(result CheckResult, start time.Time, err error, what string) CheckResult {
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = what + " ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = what + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = what + " healthy"
	}
	return result
}
