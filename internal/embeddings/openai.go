package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// OpenAIConfig configures the OpenAI-compatible embedding provider
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	// RequestsPerSecond caps outbound calls; zero disables limiting
	RequestsPerSecond float64
	// HTTPClient is usually a circuitbreaker.HTTPWrapper
	HTTPClient openai.HTTPDoer
}

// OpenAIProvider calls the embeddings endpoint of an OpenAI-compatible API
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewOpenAIProvider creates a provider. The API key may be empty for local gateways.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		limiter:    limiter,
		logger:     logger,
	}
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }
func (p *OpenAIProvider) Model() string   { return p.model }

// Embed returns the embedding for text
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.openai")
	defer span.End()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, apperr.NewProviderError("openai", "embed", 429, fmt.Errorf("rate limiter: %w", err))
	}

	start := time.Now()
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		metrics.RecordEmbeddingMetrics(p.model, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		p.logger.Warn("Embedding request failed", zap.String("model", p.model), zap.Error(err))
		return nil, classifyOpenAIError("embed", err)
	}
	if len(resp.Data) == 0 {
		metrics.RecordEmbeddingMetrics(p.model, "empty", time.Since(start).Seconds())
		return nil, apperr.NewProviderError("openai", "embed", 0, errors.New("empty embedding response"))
	}
	metrics.RecordEmbeddingMetrics(p.model, "ok", time.Since(start).Seconds())
	return resp.Data[0].Embedding, nil
}
