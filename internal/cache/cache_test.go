package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/circuitbreaker"
)

type payload struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, c, "rec_u1:content", payload{Name: "a", Score: 0.75}, time.Minute))
	var got payload
	hit, err := GetJSON(ctx, c, "rec_u1:content", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, payload{Name: "a", Score: 0.75}, got)

	require.NoError(t, c.SetWithTTL(ctx, "rec_u1:content", []byte(`{"name":"b"}`), time.Minute))
	hit, err = GetJSON(ctx, c, "rec_u1:content", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "b", got.Name, "last write wins")

	require.NoError(t, c.Delete(ctx, "rec_u1:content"))
	_, ok, err = c.Get(ctx, "rec_u1:content")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedis(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "huddle:"}, circuitbreaker.NewMetricsCollector(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	exerciseCache(t, c)

	t.Run("prefix and ttl", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Second))
		assert.True(t, mr.Exists("huddle:k"))
		mr.FastForward(2 * time.Second)
		_, ok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("outage surfaces transient provider error", func(t *testing.T) {
		mr.Close()
		_, _, err := c.Get(ctx, "k")
		require.Error(t, err)
		assert.True(t, apperr.IsTransient(err))
	})
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1"}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRedisFromWrapper(t *testing.T) {
	mr := miniredis.RunT(t)
	w := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "cache", nil, nil)
	c := NewRedisFromWrapper(w, "", nil)
	exerciseCache(t, c)
}

func TestLocalCache(t *testing.T) {
	c, err := NewLocal(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	exerciseCache(t, c)

	t.Run("returned bytes are a copy", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, c.SetWithTTL(ctx, "raw", []byte("abc"), time.Minute))
		b, ok, _ := c.Get(ctx, "raw")
		require.True(t, ok)
		b[0] = 'z'
		again, _, _ := c.Get(ctx, "raw")
		assert.Equal(t, "abc", string(again))
	})
}
