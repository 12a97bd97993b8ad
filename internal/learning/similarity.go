package learning

import (
	"context"
	"math"
	"sort"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/retry"
)

// Pattern is a numeric feature map. The "confidence" key, when present,
// weights the similarity and defaults to 0.5.
type Pattern map[string]float64

const defaultPatternConfidence = 0.5

func (p Pattern) confidence() float64 {
	if c, ok := p["confidence"]; ok {
		return c
	}
	return defaultPatternConfidence
}

// PreferenceSimilarity is the weighted cosine similarity of p1 and p2 over the
// keys of weights, scaled by the lower of the two confidences and clamped to [0,1].
// Degenerate (zero) feature vectors are dissimilar.
func PreferenceSimilarity(p1, p2 Pattern, weights map[string]float64) (float64, error) {
	if len(p1) == 0 || len(p2) == 0 || len(weights) == 0 {
		return 0, apperr.NewValidation("pattern", "patterns and weights must be non-empty")
	}
	keys := make([]string, 0, len(weights))
	for k, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return 0, apperr.NewValidation("weights", "weight %q must be non-negative", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dot, n1, n2 float64
	for _, k := range keys {
		w := weights[k]
		a, b := p1[k]*w, p2[k]*w
		dot += a * b
		n1 += a * a
		n2 += b * b
	}
	if n1 == 0 || n2 == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(n1) * math.Sqrt(n2))
	sim *= math.Min(p1.confidence(), p2.confidence())
	return math.Max(0, math.Min(1, sim)), nil
}

// CalculatePreferenceSimilarity is PreferenceSimilarity under the learning
// retry policy: three attempts, 100ms base delay, any failure retried.
func (s *Service) CalculatePreferenceSimilarity(ctx context.Context, p1, p2 Pattern, weights map[string]float64) (float64, error) {
	var out float64
	err := retry.Do(ctx, "preference_similarity", retry.Policy{
		Attempts:   3,
		BaseDelay:  s.cfg.RetryBaseDelay,
		Multiplier: 2,
		Retryable:  retry.AnyError,
		Logger:     s.logger,
	}, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := PreferenceSimilarity(p1, p2, weights)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
