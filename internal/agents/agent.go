// Package agents implements the specialised chat agents (explorer, foodie,
// planner) and the router that picks one for an inbound message.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/completion"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// Metadata keys understood by the agents
const (
	MetaSenderID = "sender_id"
	MetaTimezone = "timezone"
	MetaLocation = "location"
)

const (
	DefaultResponseTimeout = 1500 * time.Millisecond
	DefaultContextLimit    = 10
	DefaultMinQuality      = 0.9
)

var rejectPhrases = []string{"i don't know", "cannot help"}

// Agent answers a message inside a conversation
type Agent interface {
	Name() string
	Specialties() []string
	Process(ctx context.Context, req Request) (string, error)
}

// Request is one inbound message addressed to an agent
type Request struct {
	ConversationID string
	Message        string
	Metadata       map[string]string
	// Related holds earlier messages retrieved for Message, best match first
	Related []conversation.RelevantMessage
}

// ContextSource supplies recent conversation history for prompt enrichment.
// *conversation.Manager satisfies it.
type ContextSource interface {
	RecentContext(conversationID string, limit int) ([]conversation.Message, map[string][]float32)
}

// QualityScorer rates a response in [0,1]
type QualityScorer func(response string) float64

// ResponderConfig configures a Responder
type ResponderConfig struct {
	Name            string
	Specialties     []string
	System          string
	ResponseTimeout time.Duration
	ContextLimit    int
	MaxTokens       int
	Temperature     float32
	// Quality is optional; responses scoring below MinQuality are rejected
	Quality    QualityScorer
	MinQuality float64
}

// Responder produces the formatted reply shared by every agent kind: a
// context-enriched completion bounded by ResponseTimeout, falling back to a
// plain completion of the prompt.
type Responder struct {
	cfg      ResponderConfig
	provider completion.Provider
	history  ContextSource
	logger   *zap.Logger
}

// NewResponder creates a Responder. history may be nil.
func NewResponder(cfg ResponderConfig, provider completion.Provider, history ContextSource, logger *zap.Logger) *Responder {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.MinQuality <= 0 {
		cfg.MinQuality = DefaultMinQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{cfg: cfg, provider: provider, history: history, logger: logger}
}

func (r *Responder) Name() string { return r.cfg.Name }

func (r *Responder) Specialties() []string {
	out := make([]string, len(r.cfg.Specialties))
	copy(out, r.cfg.Specialties)
	return out
}

// Respond completes prompt for req and returns the formatted reply. Both the
// enriched and the fallback completion are bounded by ResponseTimeout.
func (r *Responder) Respond(ctx context.Context, req Request, prompt string) (string, error) {
	conversationID := req.ConversationID
	ctx, span := tracing.StartSpan(ctx, "agents.respond",
		attribute.String("agent", r.cfg.Name),
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()

	start := time.Now()
	opts := completion.Options{System: r.cfg.System, MaxTokens: r.cfg.MaxTokens, Temperature: r.cfg.Temperature}

	primaryCtx, cancel := context.WithTimeout(ctx, r.cfg.ResponseTimeout)
	reply, err := r.provider.Complete(primaryCtx, r.enrich(req, prompt), opts)
	cancel()
	if err == nil {
		err = r.validate(reply)
	}
	if err != nil {
		reason := fallbackReason(err)
		metrics.AgentFallbacks.WithLabelValues(r.cfg.Name, reason).Inc()
		r.logger.Debug("Falling back to plain completion",
			zap.String("agent", r.cfg.Name),
			zap.String("conversation_id", conversationID),
			zap.String("reason", reason),
			zap.Error(err),
		)

		fallbackCtx, cancel := context.WithTimeout(ctx, r.cfg.ResponseTimeout)
		reply, err = r.provider.Complete(fallbackCtx, prompt, opts)
		cancel()
		if err == nil {
			err = r.validate(reply)
		}
		if err != nil {
			metrics.RecordAgentMetrics(r.cfg.Name, "error", time.Since(start).Seconds())
			tracing.RecordError(span, err)
			r.logger.Warn("Agent failed to respond",
				zap.String("agent", r.cfg.Name),
				zap.String("conversation_id", conversationID),
				zap.String("operation", "respond"),
				zap.Error(err),
			)
			return "", err
		}
	}

	metrics.RecordAgentMetrics(r.cfg.Name, "success", time.Since(start).Seconds())
	return r.format(reply), nil
}

// enrich prefixes the prompt with retrieved related messages and the most
// recent conversation lines
func (r *Responder) enrich(req Request, prompt string) string {
	var recent []conversation.Message
	if r.history != nil {
		recent, _ = r.history.RecentContext(req.ConversationID, r.cfg.ContextLimit)
	}
	inRecent := make(map[string]struct{}, len(recent))
	for _, m := range recent {
		inRecent[m.ID] = struct{}{}
	}

	var b strings.Builder
	wrote := false
	for _, m := range req.Related {
		if _, ok := inRecent[m.ID]; ok {
			continue
		}
		if !wrote {
			b.WriteString("Related earlier messages:\n")
			wrote = true
		}
		fmt.Fprintf(&b, "%s: %s\n", m.SenderID, m.Content)
	}
	if wrote {
		b.WriteString("\n")
	}
	if len(recent) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.SenderID, m.Content)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return prompt
	}
	b.WriteString(prompt)
	return b.String()
}

func (r *Responder) validate(reply string) error {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return apperr.NewValidation("response", "empty")
	}
	lower := strings.ToLower(trimmed)
	for _, p := range rejectPhrases {
		if strings.Contains(lower, p) {
			return apperr.NewValidation("response", "contains %q", p)
		}
	}
	if r.cfg.Quality != nil {
		if q := r.cfg.Quality(trimmed); q < r.cfg.MinQuality {
			return apperr.NewValidation("response", "quality %.2f below %.2f", q, r.cfg.MinQuality)
		}
	}
	return nil
}

func (r *Responder) format(reply string) string {
	return fmt.Sprintf("I am %s, specialized in %s. %s",
		r.cfg.Name, strings.Join(r.cfg.Specialties, ", "), strings.TrimSpace(reply))
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case apperr.IsValidation(err):
		return "invalid_response"
	default:
		return "error"
	}
}
