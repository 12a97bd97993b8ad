// Package cache is the shared key-value store with expiry used by the context,
// learning and recommendation layers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a simple key-value store with expiry. Implementations are safe for
// concurrent use; concurrent writers to one key resolve last-write-wins.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the cached value for key into v. It reports false on a miss.
func GetJSON(ctx context.Context, c Cache, key string, v interface{}) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return c.SetWithTTL(ctx, key, raw, ttl)
}
