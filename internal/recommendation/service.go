// Package recommendation ranks agents, chat groups and content for a user
// from their preferences, learned predictions and the group they are in.
package recommendation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/cache"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/learning"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/preferences"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// Service defaults
const (
	DefaultCacheTTL           = 30 * time.Minute
	DefaultMinScore           = 0.7
	DefaultMaxRecommendations = 10
	DefaultHistoryLimit       = 100
	DefaultStatsResetAfter    = 10000
	CacheVersion              = "1.0.0"
	defaultConfidence         = 0.5
)

// Config tunes the recommendation service
type Config struct {
	CacheTTL time.Duration
	// MinScore is the lowest score returned; nil selects DefaultMinScore
	MinScore           *float64
	MaxRecommendations int
	// HistoryLimit caps the preference history loaded per request
	HistoryLimit int
	// StatsResetAfter resets the hit/miss counters once their sum exceeds it
	StatsResetAfter int
	Now             func() time.Time
}

// Predictor supplies learned predictions
type Predictor interface {
	GetPreferencePredictions(ctx context.Context, userID string, t preferences.PreferenceType) (*learning.Predictions, error)
}

// PreferenceSource supplies current preferences and their history
type PreferenceSource interface {
	Preferences(ctx context.Context, userID string) (map[preferences.PreferenceType]preferences.Data, error)
	Interactions(ctx context.Context, userID string, t preferences.PreferenceType, since time.Time) ([]preferences.Interaction, error)
}

// DynamicsSource supplies the group dynamics of a conversation
type DynamicsSource interface {
	GetGroupDynamics(ctx context.Context, conversationID string, opts conversation.DynamicsOptions) (conversation.GroupDynamics, error)
}

// RequestContext carries optional request-time signals
type RequestContext struct {
	Timestamp      time.Time
	ConversationID string
}

// Recommendation is one ranked candidate
type Recommendation struct {
	Item       Candidate `json:"item"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

type cachePayload struct {
	Recommendations []Recommendation `json:"recommendations"`
	Timestamp       time.Time        `json:"timestamp"`
	Version         string           `json:"version"`
}

// Service is the recommendation service
type Service struct {
	cfg        Config
	learner    Predictor
	prefs      PreferenceSource
	dynamics   DynamicsSource
	cache      cache.Cache
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.RWMutex
	generators map[string]Generator

	statsMu sync.Mutex
	hits    int
	misses  int
}

// NewService creates a recommendation service. dynamics and c may be nil.
func NewService(cfg Config, learner Predictor, prefs PreferenceSource, dynamics DynamicsSource, c cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	minScore := DefaultMinScore
	if cfg.MinScore != nil {
		minScore = *cfg.MinScore
	}
	cfg.MinScore = &minScore
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = DefaultMaxRecommendations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.StatsResetAfter <= 0 {
		cfg.StatsResetAfter = DefaultStatsResetAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:        cfg,
		learner:    learner,
		prefs:      prefs,
		dynamics:   dynamics,
		cache:      c,
		logger:     logger,
		now:        now,
		generators: make(map[string]Generator),
	}
}

// RegisterGenerator installs the candidate generator for a recommendation type
func (s *Service) RegisterGenerator(recType string, g Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generators[recType] = g
}

func (s *Service) generator(recType string) (Generator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generators[recType]
	if !ok {
		return nil, &apperr.ValidationError{
			Field:  "recommendation_type",
			Reason: fmt.Sprintf("unsupported type %q", recType),
			Cause:  apperr.ErrUnsupportedType,
		}
	}
	return g, nil
}

func cacheKey(userID, recType string) string {
	return fmt.Sprintf("rec_%s:%s", userID, recType)
}

// GetRecommendations returns up to MaxRecommendations candidates scoring at
// least MinScore, best first. Unless refresh is set a cached result is
// returned as stored.
func (s *Service) GetRecommendations(ctx context.Context, userID, recType string, rc *RequestContext, refresh bool) ([]Recommendation, error) {
	start := time.Now()
	if userID == "" {
		metrics.RecommendationRequests.WithLabelValues(recType, "invalid").Inc()
		return nil, apperr.NewValidation("user_id", "required")
	}
	gen, err := s.generator(recType)
	if err != nil {
		metrics.RecommendationRequests.WithLabelValues(recType, "invalid").Inc()
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "recommendation.get",
		attribute.String("user_id", userID), attribute.String("type", recType))
	defer span.End()

	key := cacheKey(userID, recType)
	if !refresh && s.cache != nil {
		var payload cachePayload
		ok, err := cache.GetJSON(ctx, s.cache, key, &payload)
		if err != nil {
			s.logger.Warn("Recommendation cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok && payload.Version == CacheVersion {
			s.observe(true)
			metrics.RecommendationRequests.WithLabelValues(recType, "cache_hit").Inc()
			return payload.Recommendations, nil
		}
	}
	s.observe(false)

	recs, err := s.generate(ctx, gen, userID, recType, rc)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecommendationRequests.WithLabelValues(recType, "error").Inc()
		s.logger.Error("Failed to generate recommendations",
			zap.String("user_id", userID), zap.String("type", recType), zap.Error(err))
		return nil, err
	}

	if s.cache != nil {
		payload := cachePayload{Recommendations: recs, Timestamp: s.now().UTC(), Version: CacheVersion}
		if err := cache.SetJSON(ctx, s.cache, key, payload, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Recommendation cache update failed", zap.String("key", key), zap.Error(err))
		}
	}
	metrics.RecommendationRequests.WithLabelValues(recType, "success").Inc()
	metrics.RecommendationLatency.WithLabelValues(recType).Observe(time.Since(start).Seconds())
	return recs, nil
}

func (s *Service) generate(ctx context.Context, gen Generator, userID, recType string, rc *RequestContext) ([]Recommendation, error) {
	pt := preferences.PreferenceType(recType)

	current, err := s.prefs.Preferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	history, err := s.prefs.Interactions(ctx, userID, pt, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load preference history: %w", err)
	}
	if len(history) > s.cfg.HistoryLimit {
		history = history[len(history)-s.cfg.HistoryLimit:]
	}
	up := BuildUserPreferences(current, history)

	confidence := defaultConfidence
	var predictions *learning.Predictions
	if s.learner != nil {
		predictions, err = s.learner.GetPreferencePredictions(ctx, userID, pt)
		if err != nil {
			if apperr.IsValidation(err) {
				return nil, err
			}
			s.logger.Warn("Predictions unavailable, using default confidence",
				zap.String("user_id", userID), zap.String("type", recType), zap.Error(err))
		} else {
			confidence = predictions.ConfidenceScore
		}
	}

	var gd *conversation.GroupDynamics
	sc := ScoreContext{}
	if rc != nil {
		sc.Timestamp = rc.Timestamp
		if rc.ConversationID != "" && s.dynamics != nil {
			d, err := s.dynamics.GetGroupDynamics(ctx, rc.ConversationID, conversation.DynamicsOptions{})
			if err != nil {
				s.logger.Warn("Group dynamics unavailable",
					zap.String("conversation_id", rc.ConversationID), zap.Error(err))
			} else {
				gd = &d
			}
		}
	}

	candidates, err := gen.Generate(ctx, GenerateRequest{
		UserID:      userID,
		Type:        recType,
		Preferences: up,
		Predictions: predictions,
		Context:     rc,
	})
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}

	now := s.now().UTC()
	recs := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		score := CalculateRecommendationScore(up, sc, c, gd)
		if score < *s.cfg.MinScore {
			continue
		}
		recs = append(recs, Recommendation{Item: c, Score: score, Confidence: confidence, Timestamp: now})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	if len(recs) > s.cfg.MaxRecommendations {
		recs = recs[:s.cfg.MaxRecommendations]
	}
	return recs, nil
}

// observe records one cache lookup and refreshes the hit ratio gauge
func (s *Service) observe(hit bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	total := s.hits + s.misses
	metrics.RecommendationCacheHitRatio.Set(float64(s.hits) / float64(total))
	if total > s.cfg.StatsResetAfter {
		s.hits, s.misses = 0, 0
	}
}

// CacheHitRatio is the hit ratio since the last statistics reset
func (s *Service) CacheHitRatio() float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	total := s.hits + s.misses
	if total == 0 {
		return 0
	}
	return float64(s.hits) / float64(total)
}

// CacheStats returns the raw hit and miss counters
func (s *Service) CacheStats() (hits, misses int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.hits, s.misses
}
