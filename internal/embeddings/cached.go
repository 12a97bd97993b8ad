package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/cache"
	"github.com/huddlechat/orchestrator/internal/metrics"
)

// CacheConfig controls the two cache tiers in front of a provider
type CacheConfig struct {
	LRUSize int
	LRUTTL  time.Duration
	// SharedTTL applies to the shared cache tier
	SharedTTL time.Duration
}

// CachedProvider checks an in-process LRU, then the shared cache, then the
// wrapped provider. Every returned vector has the provider's dimension.
type CachedProvider struct {
	next   Provider
	lru    *expirable.LRU[string, []float32]
	shared cache.Cache
	cfg    CacheConfig
	logger *zap.Logger
}

// NewCachedProvider wraps next. shared may be nil.
func NewCachedProvider(next Provider, shared cache.Cache, cfg CacheConfig, logger *zap.Logger) *CachedProvider {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 2048
	}
	if cfg.LRUTTL <= 0 {
		cfg.LRUTTL = 30 * time.Minute
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		next:   next,
		lru:    expirable.NewLRU[string, []float32](cfg.LRUSize, nil, cfg.LRUTTL),
		shared: shared,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *CachedProvider) Dimensions() int { return c.next.Dimensions() }
func (c *CachedProvider) Model() string   { return c.next.Model() }

func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.next.Model()
	key := MakeKey(model, text)

	if v, ok := c.lru.Get(key); ok {
		metrics.RecordEmbeddingMetrics(model, "lru_hit", 0)
		return v, nil
	}
	if c.shared != nil {
		raw, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			// The shared tier is an optimisation; fall through to the provider.
			c.logger.Debug("Embedding cache read failed", zap.Error(err))
		} else if ok {
			if v, ok := decodeVector(raw); ok && len(v) == c.next.Dimensions() {
				c.lru.Add(key, v)
				metrics.RecordEmbeddingMetrics(model, "cache_hit", 0)
				return v, nil
			}
		}
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(v) != c.next.Dimensions() {
		return nil, &apperr.ValidationError{
			Field:  "embedding",
			Reason: "provider returned wrong dimension",
			Cause:  &DimensionError{Expected: c.next.Dimensions(), Got: len(v)},
		}
	}

	c.lru.Add(key, v)
	if c.shared != nil {
		if err := c.shared.SetWithTTL(ctx, key, encodeVector(v), c.cfg.SharedTTL); err != nil {
			c.logger.Debug("Embedding cache write failed", zap.Error(err))
		}
	}
	return v, nil
}

// DimensionError describes a vector of the wrong length
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("expected dimension %d, got %d", e.Expected, e.Got)
}

// MakeKey derives the cache key for a (model, text) pair
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}
