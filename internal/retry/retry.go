// Package retry bounds external calls with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/metrics"
)

// Policy describes how an operation is retried
type Policy struct {
	Attempts   int           // total attempts, including the first
	BaseDelay  time.Duration // delay before the second attempt
	Multiplier float64
	// Timeout bounds each attempt; zero leaves the caller's deadline in charge.
	Timeout time.Duration
	// Retryable decides whether a failure deserves another attempt.
	// Validation errors are never retried regardless of this func.
	Retryable func(error) bool
	Logger    *zap.Logger
}

// DefaultPolicy is three attempts starting at one second, retrying transient failures
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		Retryable:  apperr.IsTransient,
	}
}

// AnyError retries every failure except validation errors
func AnyError(err error) bool { return err != nil }

// Do runs fn until it succeeds, fails permanently or the attempt budget is spent.
// Exhaustion is reported as *apperr.RetryExhaustedError wrapping the last failure.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Retryable == nil {
		p.Retryable = apperr.IsTransient
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.BaseDelay * time.Duration(1<<uint(p.Attempts))
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	attempts := 0
	var last error
	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if apperr.IsValidation(err) || !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempts < p.Attempts {
			metrics.RetryAttempts.WithLabelValues(op).Inc()
			logger.Warn("Retrying after transient failure",
				zap.String("operation", op),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if last != nil && (apperr.IsValidation(last) || !p.Retryable(last)) {
		return last
	}
	cause := last
	if ctxErr := ctx.Err(); ctxErr != nil {
		if last == nil {
			cause = ctxErr
		} else {
			cause = fmt.Errorf("%w (last error: %v)", ctxErr, last)
		}
	}
	return &apperr.RetryExhaustedError{Op: op, Attempts: attempts, Err: cause}
}
