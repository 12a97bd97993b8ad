package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("test error") }

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = time.Minute

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	clock := time.Now()
	cb.now = func() time.Time { return clock }
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, ok))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, apperr.IsTransient(err), "open breaker must be retryable")

	clock = clock.Add(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, ok))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, ok))
	}
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrTooManyRequests)
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestIsFailureFilter(t *testing.T) {
	ignored := errors.New("miss")
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, ignored) }
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))

	err := cb.Execute(context.Background(), func(context.Context) error { return ignored })
	assert.ErrorIs(t, err, ignored)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCancelledContextIsNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.Counts().Requests)
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var fromState, toState State
	calls := 0
	config.OnStateChange = func(name string, from State, to State) {
		calls++
		fromState, toState = from, to
	}

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	collector := NewMetricsCollector()
	collector.Register("unit", cb)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, fromState)
	assert.Equal(t, StateOpen, toState)
	assert.Equal(t, StateOpen, collector.Snapshot()["unit:test"])
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("CB_REDIS_TIMEOUT", "42s")
	t.Setenv("CB_REDIS_FAILURE_THRESHOLD", "9")
	s := SettingsFromEnv("redis")
	assert.Equal(t, 42*time.Second, s.Timeout)
	assert.Equal(t, uint32(9), s.FailureThreshold)
	assert.Equal(t, uint32(5), s.MaxRequests)

	other := SettingsFromEnv("qdrant")
	assert.Equal(t, DefaultConfig().Timeout, other.Timeout)
}
