package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker
type RedisWrapper struct {
	client    *redis.Client
	cb        *CircuitBreaker
	collector *MetricsCollector
	service   string
	logger    *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker. collector may be nil.
func NewRedisWrapper(client *redis.Client, service string, collector *MetricsCollector, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := SettingsFromEnv("redis").ToConfig()
	// A cache miss is a normal answer, not a failing dependency.
	config.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, redis.Nil) }
	cb := NewCircuitBreaker("redis", config, logger)
	if collector != nil {
		collector.Register(service, cb)
	}
	return &RedisWrapper{client: client, cb: cb, collector: collector, service: service, logger: logger}
}

func (rw *RedisWrapper) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := rw.cb.Execute(ctx, fn)
	if rw.collector != nil {
		success := err == nil || errors.Is(err, redis.Nil)
		rw.collector.RecordRequest("redis", rw.service, rw.cb.State(), success)
	}
	return err
}

// Ping checks connectivity through the breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.do(ctx, func(ctx context.Context) error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the raw value for key; redis.Nil on miss
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.do(ctx, func(ctx context.Context) error {
		b, err := rw.client.Get(ctx, key).Bytes()
		out = b
		return err
	})
	return out, err
}

// Set stores value with expiration
func (rw *RedisWrapper) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return rw.do(ctx, func(ctx context.Context) error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// Del removes keys
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.do(ctx, func(ctx context.Context) error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
