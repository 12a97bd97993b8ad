package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/circuitbreaker"
	"github.com/huddlechat/orchestrator/internal/metrics"
)

// RedisOptions configures NewRedis
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCache is a Cache backed by Redis through a circuit breaker
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	prefix string
	logger *zap.Logger
}

// NewRedis dials Redis, pings once and wraps the client with a circuit breaker
func NewRedis(ctx context.Context, opts RedisOptions, collector *circuitbreaker.MetricsCollector, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	wrapper := circuitbreaker.NewRedisWrapper(client, "cache", collector, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapper.Ping(pingCtx); err != nil {
		_ = wrapper.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisFromWrapper(wrapper, opts.Prefix, logger), nil
}

// NewRedisFromWrapper builds a cache on an existing wrapper
func NewRedisFromWrapper(wrapper *circuitbreaker.RedisWrapper, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{cli: wrapper, prefix: prefix, logger: logger}
}

// Wrapper exposes the breaker-wrapped client for health checks
func (r *RedisCache) Wrapper() *circuitbreaker.RedisWrapper { return r.cli }

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, r.prefix+key)
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues("redis", "get", "miss").Inc()
		return nil, false, nil
	case err != nil:
		metrics.CacheOperations.WithLabelValues("redis", "get", "error").Inc()
		return nil, false, unavailable("get", err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "get", "hit").Inc()
	return b, true, nil
}

func (r *RedisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.cli.Set(ctx, r.prefix+key, value, ttl); err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "set", "error").Inc()
		return unavailable("set", err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "set", "ok").Inc()
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.cli.Del(ctx, r.prefix+key); err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "delete", "error").Inc()
		return unavailable("delete", err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "delete", "ok").Inc()
	return nil
}

// Close closes the Redis client
func (r *RedisCache) Close() error {
	return r.cli.Close()
}

// Any Redis failure other than a miss is treated as transient.
func unavailable(op string, err error) error {
	return &apperr.ProviderError{Provider: "redis", Op: op, Transient: true, Err: err}
}
