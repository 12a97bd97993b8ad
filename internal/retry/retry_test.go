package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	return p
}

func transient() error {
	return apperr.NewProviderError("test", "call", 503, errors.New("unavailable"))
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, "op", fastPolicy(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient()
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhaustion wraps last error", func(t *testing.T) {
		calls := 0
		err := Do(ctx, "embed", fastPolicy(), func(context.Context) error {
			calls++
			return transient()
		})
		assert.Equal(t, 3, calls)
		var re *apperr.RetryExhaustedError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "embed", re.Op)
		assert.Equal(t, 3, re.Attempts)
		assert.True(t, apperr.IsTransient(re.Err))
	})

	t.Run("validation fails immediately", func(t *testing.T) {
		calls := 0
		err := Do(ctx, "store", fastPolicy(), func(context.Context) error {
			calls++
			return apperr.NewValidation("vector", "dimension mismatch")
		})
		assert.Equal(t, 1, calls)
		assert.True(t, apperr.IsValidation(err))
		assert.False(t, apperr.IsRetryExhausted(err))
	})

	t.Run("validation is not retried even with AnyError", func(t *testing.T) {
		p := fastPolicy()
		p.Retryable = AnyError
		calls := 0
		_ = Do(ctx, "similarity", p, func(context.Context) error {
			calls++
			return apperr.NewValidation("pattern", "empty")
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("AnyError retries plain failures", func(t *testing.T) {
		p := fastPolicy()
		p.Retryable = AnyError
		calls := 0
		err := Do(ctx, "similarity", p, func(context.Context) error {
			calls++
			return errors.New("numeric hiccup")
		})
		assert.Equal(t, 3, calls)
		assert.True(t, apperr.IsRetryExhausted(err))
	})

	t.Run("non transient returned as is", func(t *testing.T) {
		sentinel := errors.New("bad request")
		calls := 0
		err := Do(ctx, "complete", fastPolicy(), func(context.Context) error {
			calls++
			return sentinel
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("per attempt timeout is transient", func(t *testing.T) {
		p := fastPolicy()
		p.Timeout = 5 * time.Millisecond
		calls := 0
		err := Do(ctx, "search", p, func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})
		assert.Equal(t, 3, calls)
		assert.True(t, apperr.IsRetryExhausted(err))
	})

	t.Run("parent cancellation stops retrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := fastPolicy()
		p.BaseDelay = time.Hour
		calls := 0
		err := Do(cctx, "embed", p, func(context.Context) error {
			calls++
			cancel()
			return transient()
		})
		assert.Equal(t, 1, calls)
		assert.True(t, apperr.IsRetryExhausted(err))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
