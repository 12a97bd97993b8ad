package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/huddlechat/orchestrator/internal/metrics"
)

// LocalCache is an in-process Cache on ristretto. Cost is the value size in bytes.
type LocalCache struct {
	store *ristretto.Cache
}

// NewLocal creates a local cache bounded to maxBytes of values
func NewLocal(maxBytes int64) (*LocalCache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	return &LocalCache{store: store}, nil
}

func (l *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.store.Get(key)
	if !ok {
		metrics.CacheOperations.WithLabelValues("local", "get", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheOperations.WithLabelValues("local", "get", "hit").Inc()
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

// SetWithTTL stores a copy of value. Ristretto admits writes asynchronously, so
// the call waits for the write buffer to drain before returning.
func (l *LocalCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b := make([]byte, len(value))
	copy(b, value)
	if !l.store.SetWithTTL(key, b, int64(len(b))+1, ttl) {
		metrics.CacheOperations.WithLabelValues("local", "set", "dropped").Inc()
		return nil
	}
	l.store.Wait()
	metrics.CacheOperations.WithLabelValues("local", "set", "ok").Inc()
	return nil
}

func (l *LocalCache) Delete(_ context.Context, key string) error {
	l.store.Del(key)
	metrics.CacheOperations.WithLabelValues("local", "delete", "ok").Inc()
	return nil
}

// Close stops ristretto's background goroutines
func (l *LocalCache) Close() error {
	l.store.Close()
	return nil
}
