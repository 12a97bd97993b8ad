// Package pipeline runs an inbound chat message through the context layer
// and the agent router, and records the agent's reply in the conversation.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/agents"
	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// AgentSenderPrefix prefixes the sender id of agent replies
const AgentSenderPrefix = "agent:"

// ContextStore is the part of the conversation manager the pipeline drives
type ContextStore interface {
	AddMessage(ctx context.Context, conversationID string, msg conversation.Message, opts conversation.AddOptions) error
	GetRelevantContext(ctx context.Context, conversationID, query string, opts conversation.Options) ([]conversation.RelevantMessage, error)
	RecordTopic(conversationID, topic string) error
}

// Router picks an agent for a message
type Router interface {
	Route(message string) (string, agents.Agent, bool)
}

// Config tunes the pipeline
type Config struct {
	// RelevantLimit caps retrieved context; zero skips retrieval
	RelevantLimit int
	Now           func() time.Time
}

// Result describes what happened to one inbound message
type Result struct {
	AgentID  string                         `json:"agent_id,omitempty"`
	Reply    *conversation.Message          `json:"reply,omitempty"`
	Related  []conversation.RelevantMessage `json:"related,omitempty"`
	Degraded bool                           `json:"degraded,omitempty"`
}

// Pipeline wires the context manager to the agents
type Pipeline struct {
	cfg    Config
	store  ContextStore
	router Router
	logger *zap.Logger
}

// New creates a pipeline
func New(cfg Config, store ContextStore, router Router, logger *zap.Logger) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, store: store, router: router, logger: logger}
}

// HandleMessage ingests msg, routes it and stores the agent reply. External
// failures that outlast their retries produce a degraded result without a
// reply instead of an error; validation and other failures are returned.
func (p *Pipeline) HandleMessage(ctx context.Context, conversationID string, msg conversation.Message, batch bool) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.handle_message",
		attribute.String("conversation_id", conversationID),
		attribute.String("message_id", msg.ID),
	)
	defer span.End()
	log := p.logger.With(zap.String("conversation_id", conversationID), zap.String("message_id", msg.ID))
	res := &Result{}

	if err := p.store.AddMessage(ctx, conversationID, msg, conversation.AddOptions{Batch: batch}); err != nil {
		if !apperr.IsRetryExhausted(err) {
			tracing.RecordError(span, err)
			return nil, err
		}
		// The message is in short-term memory even though its vector is not.
		log.Warn("Message stored without embedding", zap.String("operation", "add_message"), zap.Error(err))
		res.Degraded = true
	}

	agentID, agent, ok := p.router.Route(msg.Content)
	if !ok {
		return res, nil
	}
	res.AgentID = agentID

	if p.cfg.RelevantLimit > 0 {
		related, err := p.store.GetRelevantContext(ctx, conversationID, msg.Content, conversation.Options{Limit: p.cfg.RelevantLimit})
		switch {
		case err == nil:
			res.Related = dropSelf(related, msg.ID)
		case apperr.IsRetryExhausted(err):
			log.Warn("Skipping reply, context retrieval failed", zap.String("agent", agentID), zap.Error(err))
			metrics.AgentFallbacks.WithLabelValues(agentID, "no_context").Inc()
			res.Degraded = true
			return res, nil
		default:
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	metadata := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	metadata[agents.MetaSenderID] = msg.SenderID

	text, err := agent.Process(ctx, agents.Request{
		ConversationID: conversationID,
		Message:        msg.Content,
		Metadata:       metadata,
		Related:        res.Related,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Warn("Agent produced no reply", zap.String("agent", agentID), zap.Error(err))
		res.Degraded = true
		return res, nil
	}

	reply := conversation.Message{
		ID:        uuid.NewString(),
		SenderID:  AgentSenderPrefix + agentID,
		Content:   text,
		Timestamp: p.cfg.Now(),
		Metadata:  map[string]string{"agent": agentID, "in_reply_to": msg.ID},
	}
	res.Reply = &reply
	if err := p.store.AddMessage(ctx, conversationID, reply, conversation.AddOptions{Batch: batch}); err != nil {
		if !apperr.IsRetryExhausted(err) {
			tracing.RecordError(span, err)
			return nil, err
		}
		log.Warn("Reply stored without embedding", zap.String("agent", agentID), zap.Error(err))
		res.Degraded = true
	}
	if err := p.store.RecordTopic(conversationID, agentID); err != nil {
		return nil, err
	}
	return res, nil
}

func dropSelf(in []conversation.RelevantMessage, id string) []conversation.RelevantMessage {
	out := in[:0]
	for _, m := range in {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
