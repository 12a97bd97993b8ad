package embeddings

import (
	"context"
	"errors"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// DefaultDimensions matches text-embedding-3-small / ada-002
const DefaultDimensions = 1536

// Provider turns text into a fixed-dimension vector. Failures are
// *apperr.ProviderError so callers can decide whether to retry.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// Normalize scales vec to unit length in place and returns it. Zero vectors are left alone.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// classifyOpenAIError maps go-openai failures onto the provider error taxonomy
func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.NewProviderError("openai", op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apperr.NewProviderError("openai", op, reqErr.HTTPStatusCode, err)
	}
	pe := apperr.NewProviderError("openai", op, 0, err)
	// Transport failures without a status (connection reset, breaker open) are retryable.
	if !errors.Is(err, context.Canceled) {
		pe.Transient = true
	}
	return pe
}

// ClassifyOpenAIError is exported for the completion provider
func ClassifyOpenAIError(op string, err error) error { return classifyOpenAIError(op, err) }
