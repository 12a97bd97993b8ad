package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// HashProvider produces deterministic unit vectors from a hash of the text.
// Equal texts map to equal vectors; there is no semantic similarity between
// different texts. Used offline and in tests.
type HashProvider struct {
	dimensions int
}

// NewHashProvider creates a hash provider with the given dimension
func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashProvider{dimensions: dimensions}
}

func (h *HashProvider) Dimensions() int { return h.dimensions }
func (h *HashProvider) Model() string   { return "hash" }

func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := fnv.New64a()
	_, _ = f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dimensions)
	for i := range vec {
		// LCG step, mapped to [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return Normalize(vec), nil
}
