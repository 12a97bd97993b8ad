// Package conversation owns per-conversation short-term memory, embeddings
// and group dynamics.
package conversation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/embeddings"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/retry"
	"github.com/huddlechat/orchestrator/internal/tracing"
	"github.com/huddlechat/orchestrator/internal/vectordb"
)

// Config controls the context manager
type Config struct {
	MaxMessages      int
	StaleAfter       time.Duration
	CleanupInterval  time.Duration
	Dimensions       int
	DefaultLimit     int
	DefaultThreshold float64
	Metric           vectordb.Metric
	BatchSize        int
	// ExternalTimeout bounds each embedding or index call
	ExternalTimeout time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxMessages:      MaxShortTermMessages,
		StaleAfter:       MaxContextAge,
		CleanupInterval:  time.Hour,
		Dimensions:       EmbeddingDimension,
		DefaultLimit:     5,
		DefaultThreshold: 0.7,
		Metric:           vectordb.Cosine,
		BatchSize:        100,
		ExternalTimeout:  5 * time.Second,
		RetryAttempts:    3,
		RetryBaseDelay:   time.Second,
	}
}

// AddOptions tune AddMessage
type AddOptions struct {
	// Batch defers the vector write until the batch buffer fills or is flushed
	Batch bool
}

// Options tune GetRelevantContext
type Options struct {
	Limit int
	// Threshold is the minimum score; nil uses the configured default
	Threshold *float64
}

// Threshold is a helper for Options.Threshold
func Threshold(v float64) *float64 { return &v }

// RelevantMessage is a stored message with its relevance to a query
type RelevantMessage struct {
	Message
	Score float64 `json:"relevance_score"`
}

// Manager is the single mutation point for conversation contexts
type Manager struct {
	cfg      Config
	embedder embeddings.Provider
	index    vectordb.Index
	buffer   *vectordb.Buffer
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	contexts map[string]*ConversationContext

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
}

// NewManager creates a manager. Call Start to run the eviction sweep.
func NewManager(cfg Config, embedder embeddings.Provider, index vectordb.Index, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		buffer:   vectordb.NewBuffer(index, cfg.BatchSize, cfg.Dimensions, logger),
		logger:   logger,
		now:      time.Now,
		contexts: make(map[string]*ConversationContext),
	}
}

func (m *Manager) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:   m.cfg.RetryAttempts,
		BaseDelay:  m.cfg.RetryBaseDelay,
		Multiplier: 2,
		Timeout:    m.cfg.ExternalTimeout,
		Retryable:  apperr.IsTransient,
		Logger:     m.logger,
	}
}

// withContext runs fn on the context for id, creating it when missing. The map
// read lock is held so a concurrent sweep cannot evict the context mid-call.
func (m *Manager) withContext(id string, fn func(c *ConversationContext)) {
	m.mu.RLock()
	c, ok := m.contexts[id]
	if ok {
		fn(c)
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	m.mu.Lock()
	c, ok = m.contexts[id]
	if !ok {
		c = newContext(id, m.cfg.MaxMessages, m.cfg.StaleAfter, m.now())
		m.contexts[id] = c
		metrics.ActiveContexts.Set(float64(len(m.contexts)))
	}
	fn(c)
	m.mu.Unlock()
}

// Context returns the live context for id, if any
func (m *Manager) Context(id string) (*ConversationContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// ActiveContexts returns the number of live contexts
func (m *Manager) ActiveContexts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// AddMessage validates msg, appends it to the conversation's memory, embeds
// its content and stores the vector. Invalid messages leave the context
// untouched. Provider failures are retried and surface as
// *apperr.RetryExhaustedError; the append itself is kept.
func (m *Manager) AddMessage(ctx context.Context, conversationID string, msg Message, opts AddOptions) error {
	if m.closed.Load() {
		return apperr.ErrClosed
	}
	if conversationID == "" {
		return apperr.NewValidation("conversation_id", "required")
	}
	if err := msg.Validate(); err != nil {
		metrics.RecordContextOperation("add_message", "invalid", 0)
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "conversation.add_message",
		attribute.String("conversation_id", conversationID),
		attribute.Bool("batch", opts.Batch))
	defer span.End()
	start := time.Now()
	log := m.logger.With(zap.String("conversation_id", conversationID), zap.String("message_id", msg.ID))

	var evicted []string
	m.withContext(conversationID, func(c *ConversationContext) {
		evicted = c.addMessage(msg, m.now())
	})
	if len(evicted) > 0 {
		log.Debug("Evicted messages from short-term memory", zap.Int("count", len(evicted)))
		m.deleteVectors(ctx, conversationID, evicted)
	}

	vec, err := m.embed(ctx, "embed_message", msg.Content)
	if err != nil {
		metrics.RecordContextOperation("add_message", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		log.Error("Failed to embed message", zap.String("operation", "add_message"), zap.Error(err))
		return err
	}

	var target vectordb.Index = m.index
	if opts.Batch {
		target = m.buffer
	}
	item := vectordb.Item{ID: msg.ID, Partition: conversationID, Vector: vec}
	err = retry.Do(ctx, "vector_store", m.retryPolicy(), func(ctx context.Context) error {
		return target.Store(ctx, item)
	})
	if err != nil {
		metrics.RecordContextOperation("add_message", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		log.Error("Failed to store message embedding", zap.String("operation", "add_message"), zap.Error(err))
		return err
	}

	kept := false
	if c, ok := m.Context(conversationID); ok {
		kept = c.recordEmbedding(msg.ID, vec, m.now())
	}
	if !kept {
		// Evicted while its vector was being written.
		m.deleteVectors(ctx, conversationID, []string{msg.ID})
	}
	metrics.RecordContextOperation("add_message", "ok", time.Since(start).Seconds())
	return nil
}

// deleteVectors removes the vectors of evicted messages. Failures are logged;
// search results are joined against memory so leftovers are never returned.
func (m *Manager) deleteVectors(ctx context.Context, conversationID string, ids []string) {
	err := retry.Do(ctx, "vector_delete", m.retryPolicy(), func(ctx context.Context) error {
		return m.buffer.Delete(ctx, conversationID, ids...)
	})
	if err != nil {
		m.logger.Warn("Failed to delete evicted vectors",
			zap.String("conversation_id", conversationID),
			zap.Int("count", len(ids)),
			zap.Error(err))
	}
}

func (m *Manager) embed(ctx context.Context, op, text string) ([]float32, error) {
	var vec []float32
	err := retry.Do(ctx, op, m.retryPolicy(), func(ctx context.Context) error {
		v, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vec) != m.cfg.Dimensions {
		return nil, &apperr.ValidationError{
			Field:  "embedding",
			Reason: "unexpected dimension",
			Cause:  &vectordb.DimensionMismatchError{Expected: m.cfg.Dimensions, Got: len(vec)},
		}
	}
	return vec, nil
}

// GetRelevantContext embeds query, searches the conversation's partition and
// joins the hits back to messages still in memory, best score first.
func (m *Manager) GetRelevantContext(ctx context.Context, conversationID, query string, opts Options) ([]RelevantMessage, error) {
	if m.closed.Load() {
		return nil, apperr.ErrClosed
	}
	if conversationID == "" {
		return nil, apperr.NewValidation("conversation_id", "required")
	}
	if query == "" {
		return nil, apperr.NewValidation("query", "required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	threshold := m.cfg.DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	ctx, span := tracing.StartSpan(ctx, "conversation.get_relevant_context",
		attribute.String("conversation_id", conversationID),
		attribute.Int("limit", limit))
	defer span.End()
	start := time.Now()

	vec, err := m.embed(ctx, "embed_query", query)
	if err != nil {
		metrics.RecordContextOperation("get_context", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		m.logger.Error("Failed to embed query",
			zap.String("conversation_id", conversationID),
			zap.String("operation", "get_context"),
			zap.Error(err))
		return nil, err
	}

	var matches []vectordb.Match
	err = retry.Do(ctx, "vector_search", m.retryPolicy(), func(ctx context.Context) error {
		res, err := m.buffer.Search(ctx, conversationID, vec, limit, m.cfg.Metric)
		if err != nil {
			return err
		}
		matches = res
		return nil
	})
	if err != nil {
		metrics.RecordContextOperation("get_context", "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		m.logger.Error("Vector search failed",
			zap.String("conversation_id", conversationID),
			zap.String("operation", "get_context"),
			zap.Error(err))
		return nil, err
	}

	out := make([]RelevantMessage, 0, len(matches))
	m.withContext(conversationID, func(c *ConversationContext) {
		for _, match := range matches {
			if match.Score < threshold {
				continue
			}
			// Matches whose message has been evicted are stale and dropped.
			msg, ok := c.Message(match.ID)
			if !ok {
				continue
			}
			out = append(out, RelevantMessage{Message: msg, Score: match.Score})
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	metrics.RecordContextOperation("get_context", "ok", time.Since(start).Seconds())
	return out, nil
}

// GetGroupDynamics summarises participation, latency and interaction strength
func (m *Manager) GetGroupDynamics(ctx context.Context, conversationID string, opts DynamicsOptions) (GroupDynamics, error) {
	if conversationID == "" {
		return GroupDynamics{}, apperr.NewValidation("conversation_id", "required")
	}
	if err := ctx.Err(); err != nil {
		return GroupDynamics{}, err
	}
	start := time.Now()
	var gd GroupDynamics
	m.withContext(conversationID, func(c *ConversationContext) {
		gd = c.Dynamics(opts)
	})
	metrics.RecordContextOperation("get_dynamics", "ok", time.Since(start).Seconds())
	return gd, nil
}

// RecentContext returns the last limit messages of a conversation with their embeddings
func (m *Manager) RecentContext(conversationID string, limit int) ([]Message, map[string][]float32) {
	var (
		msgs []Message
		embs map[string][]float32
	)
	m.withContext(conversationID, func(c *ConversationContext) {
		msgs, embs = c.RecentContext(limit)
	})
	return msgs, embs
}

// RecordTopic appends a topic transition to the conversation's topic flow
func (m *Manager) RecordTopic(conversationID, topic string) error {
	if conversationID == "" || topic == "" {
		return apperr.NewValidation("topic", "conversation id and topic are required")
	}
	m.withContext(conversationID, func(c *ConversationContext) {
		c.recordTopic(topic, m.now())
	})
	return nil
}

// Flush commits buffered batch-mode vector writes
func (m *Manager) Flush(ctx context.Context) error {
	return retry.Do(ctx, "vector_flush", m.retryPolicy(), m.buffer.Flush)
}

// Sweep evicts contexts idle longer than StaleAfter and drops their vectors.
// It returns the number of evicted contexts.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	var stale []string

	m.mu.Lock()
	for id, c := range m.contexts {
		if c.IsStale(now) {
			stale = append(stale, id)
			delete(m.contexts, id)
		}
	}
	metrics.ActiveContexts.Set(float64(len(m.contexts)))
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.buffer.DropPartition(ctx, id); err != nil {
			m.logger.Warn("Failed to drop vector partition",
				zap.String("conversation_id", id),
				zap.Error(err))
		}
	}
	metrics.ContextsEvicted.Add(float64(len(stale)))
	metrics.RecordContextOperation("cleanup", "ok", 0)
	if len(stale) > 0 {
		m.logger.Info("Cleaned up stale contexts", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Start launches the periodic eviction sweep. It is a no-op when already running.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil || m.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
	m.logger.Info("Context manager started", zap.Duration("cleanup_interval", m.cfg.CleanupInterval))
}

// Close stops the sweep and waits for it, flushes buffered writes and clears all contexts
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.lifecycle.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.lifecycle.Unlock()

	err := m.buffer.Close(ctx)
	if err != nil {
		m.logger.Warn("Failed to flush vector buffer on close", zap.Error(err))
	}

	m.mu.Lock()
	m.contexts = make(map[string]*ConversationContext)
	m.mu.Unlock()
	metrics.ActiveContexts.Set(0)
	m.logger.Info("Context manager shutdown complete")
	return err
}
