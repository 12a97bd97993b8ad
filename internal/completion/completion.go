// Package completion wraps chat-completion providers used by agents to
// generate replies.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/embeddings"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// Options tune a single completion call
type Options struct {
	System      string
	MaxTokens   int
	Temperature float32
}

// Provider generates text for a prompt
type Provider interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// OpenAIConfig configures OpenAIProvider
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerSecond float64
	HTTPClient        openai.HTTPDoer
}

// OpenAIProvider calls the chat completions endpoint of an OpenAI-compatible API
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIProvider creates a completion provider
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
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
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		limiter: limiter,
		logger:  logger,
	}
}

// Complete sends prompt as a user message, with opts.System as the system message when set
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "completion.openai")
	defer span.End()

	if err := p.limiter.Wait(ctx); err != nil {
		return "", apperr.NewProviderError("openai", "complete", 429, fmt.Errorf("rate limiter: %w", err))
	}

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		metrics.CompletionRequests.WithLabelValues(p.model, "error").Inc()
		tracing.RecordError(span, err)
		p.logger.Warn("Completion request failed", zap.String("model", p.model), zap.Error(err))
		return "", embeddings.ClassifyOpenAIError("complete", err)
	}
	if len(resp.Choices) == 0 {
		metrics.CompletionRequests.WithLabelValues(p.model, "empty").Inc()
		return "", apperr.NewProviderError("openai", "complete", 0, errors.New("no choices in response"))
	}
	metrics.CompletionRequests.WithLabelValues(p.model, "ok").Inc()
	p.logger.Debug("Completion finished",
		zap.String("model", p.model),
		zap.Duration("took", time.Since(start)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// EchoProvider returns a canned reply built from the prompt. It backs the
// offline replay mode and tests.
type EchoProvider struct {
	Reply string
}

func (e *EchoProvider) Complete(ctx context.Context, prompt string, _ Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.Reply != "" {
		return e.Reply, nil
	}
	line := prompt
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		line = prompt[i+1:]
	}
	return "Noted: " + strings.TrimSpace(line), nil
}
