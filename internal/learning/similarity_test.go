package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

func TestPreferenceSimilarity(t *testing.T) {
	weights := map[string]float64{"spice": 1, "price": 1, "distance": 1}

	tests := []struct {
		name string
		p1   Pattern
		p2   Pattern
		want float64
	}{
		{"identical with full confidence", Pattern{"spice": 3, "price": 2, "confidence": 1}, Pattern{"spice": 3, "price": 2, "confidence": 1}, 1},
		{"default confidence halves", Pattern{"spice": 3, "price": 2}, Pattern{"spice": 6, "price": 4}, 0.5},
		{"minimum confidence wins", Pattern{"spice": 1, "confidence": 0.9}, Pattern{"spice": 1, "confidence": 0.3}, 0.3},
		{"orthogonal", Pattern{"spice": 1, "confidence": 1}, Pattern{"price": 1, "confidence": 1}, 0},
		{"opposed clamps to zero", Pattern{"spice": 1, "confidence": 1}, Pattern{"spice": -1, "confidence": 1}, 0},
		{"zero vector", Pattern{"other": 1}, Pattern{"spice": 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PreferenceSimilarity(tt.p1, tt.p2, weights)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPreferenceSimilarityWeights(t *testing.T) {
	p1 := Pattern{"spice": 1, "price": 0, "confidence": 1}
	p2 := Pattern{"spice": 1, "price": 1, "confidence": 1}

	even, err := PreferenceSimilarity(p1, p2, map[string]float64{"spice": 1, "price": 1})
	require.NoError(t, err)
	skewed, err := PreferenceSimilarity(p1, p2, map[string]float64{"spice": 1, "price": 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/1.4142135623730951, even, 1e-9)
	assert.InDelta(t, 1.0, skewed, 1e-9)

	_, err = PreferenceSimilarity(p1, p2, map[string]float64{"spice": -1})
	assert.True(t, apperr.IsValidation(err))
}

func TestCalculatePreferenceSimilarity(t *testing.T) {
	svc := NewService(Config{RetryBaseDelay: time.Millisecond}, nil, nil, zaptest.NewLogger(t))

	got, err := svc.CalculatePreferenceSimilarity(context.Background(),
		Pattern{"a": 1, "confidence": 1}, Pattern{"a": 2, "confidence": 1}, map[string]float64{"a": 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	t.Run("empty input is not retried", func(t *testing.T) {
		_, err := svc.CalculatePreferenceSimilarity(context.Background(), Pattern{}, Pattern{"a": 1}, map[string]float64{"a": 1})
		require.Error(t, err)
		assert.True(t, apperr.IsValidation(err))
		assert.False(t, apperr.IsRetryExhausted(err))
	})

	t.Run("cancelled context exhausts retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.CalculatePreferenceSimilarity(ctx, Pattern{"a": 1}, Pattern{"a": 1}, map[string]float64{"a": 1})
		require.Error(t, err)
		assert.True(t, apperr.IsRetryExhausted(err))
	})
}
