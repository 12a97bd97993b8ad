// Package learning turns stored preference interactions into learned
// patterns and cached predictions.
package learning

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/cache"
	"github.com/huddlechat/orchestrator/internal/metrics"
	"github.com/huddlechat/orchestrator/internal/preferences"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

// Service defaults
const (
	DefaultBatchSize    = 100
	DefaultCacheTTL     = time.Hour
	ModelVersion        = "1.0.0"
	LearnKeyPrefix      = "pref_learn_"
	PredictionKeyPrefix = "pref_pred_"
)

// Config tunes the learning service
type Config struct {
	BatchSize    int
	CacheTTL     time.Duration
	MinSamples   int
	ModelVersion string
	// RetryBaseDelay is the first backoff step of the similarity helper
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// LearnConfig overrides per call
type LearnConfig struct {
	BatchSize int
}

// LearningResult is what LearnPreferences computes and caches
type LearningResult struct {
	UserID          string                     `json:"user_id"`
	Type            preferences.PreferenceType `json:"preference_type"`
	Results         []preferences.Analysis     `json:"learning_results"`
	ConfidenceScore float64                    `json:"confidence_score"`
	ModelVersion    string                     `json:"model_version"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// Prediction is one recurring temporal bucket, e.g. "hourly:19"
type Prediction struct {
	PatternType    string  `json:"pattern_type"`
	Confidence     float64 `json:"confidence"`
	PredictedValue int     `json:"predicted_value"`
}

// Predictions is the cached prediction set of one (user, type)
type Predictions struct {
	UserID          string                     `json:"user_id"`
	Type            preferences.PreferenceType `json:"preference_type"`
	Predictions     []Prediction               `json:"predictions"`
	ConfidenceScore float64                    `json:"confidence_score"`
	ModelVersion    string                     `json:"model_version"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// Service is the preference learning service
type Service struct {
	cfg    Config
	prefs  *preferences.Manager
	cache  cache.Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a learning service. cache is shared with the recommendation layer.
func NewService(cfg Config, prefs *preferences.Manager, c cache.Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = preferences.MinSamples
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = ModelVersion
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{cfg: cfg, prefs: prefs, cache: c, logger: logger, now: now}
}

// ModelVersion returns the version stamped on cache entries
func (s *Service) ModelVersion() string { return s.cfg.ModelVersion }

func learnKey(userID string, t preferences.PreferenceType) string {
	return fmt.Sprintf("%s%s:%s", LearnKeyPrefix, userID, t)
}

func predictionKey(userID string, t preferences.PreferenceType) string {
	return fmt.Sprintf("%s%s:%s", PredictionKeyPrefix, userID, t)
}

func validate(userID string, t preferences.PreferenceType) error {
	if userID == "" {
		return apperr.NewValidation("user_id", "required")
	}
	if _, err := preferences.ParseType(string(t)); err != nil {
		return err
	}
	return nil
}

// LearnPreferences analyses the last 30 days of interactions in batches and
// caches the per-batch results with their mean stability as confidence.
// Cached predictions of the same (user, type) are invalidated.
func (s *Service) LearnPreferences(ctx context.Context, userID string, t preferences.PreferenceType, lc LearnConfig) (*LearningResult, error) {
	if err := validate(userID, t); err != nil {
		metrics.LearningRuns.WithLabelValues(string(t), "invalid").Inc()
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "learning.learn_preferences",
		attribute.String("user_id", userID), attribute.String("preference_type", string(t)))
	defer span.End()

	batchSize := lc.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	now := s.now().UTC()
	history, err := s.prefs.Interactions(ctx, userID, t, now.Add(-preferences.AnalysisWindow))
	if err != nil {
		tracing.RecordError(span, err)
		metrics.LearningRuns.WithLabelValues(string(t), "error").Inc()
		return nil, fmt.Errorf("failed to load interaction history: %w", err)
	}

	res := &LearningResult{
		UserID:       userID,
		Type:         t,
		Results:      make([]preferences.Analysis, 0, (len(history)+batchSize-1)/batchSize),
		ModelVersion: s.cfg.ModelVersion,
		Timestamp:    now,
	}
	var stability float64
	for start := 0; start < len(history); start += batchSize {
		end := start + batchSize
		if end > len(history) {
			end = len(history)
		}
		a := preferences.AnalyzeInteractions(t, history[start:end], now)
		res.Results = append(res.Results, a)
		stability += a.Stability
	}
	if len(res.Results) > 0 {
		res.ConfidenceScore = stability / float64(len(res.Results))
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, learnKey(userID, t), res, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Failed to cache learning result",
				zap.String("user_id", userID), zap.String("type", string(t)), zap.Error(err))
		}
		if err := s.cache.Delete(ctx, predictionKey(userID, t)); err != nil {
			s.logger.Warn("Failed to invalidate predictions",
				zap.String("user_id", userID), zap.String("type", string(t)), zap.Error(err))
		}
	}

	metrics.LearningRuns.WithLabelValues(string(t), "success").Inc()
	s.logger.Debug("Preferences learned",
		zap.String("user_id", userID),
		zap.String("type", string(t)),
		zap.Int("samples", len(history)),
		zap.Int("batches", len(res.Results)),
		zap.Float64("confidence", res.ConfidenceScore),
	)
	return res, nil
}

// UpdatePreference persists one preference expression and, once the type has
// MinSamples interactions, relearns it. A failed relearn is logged; the
// update itself has already been stored.
func (s *Service) UpdatePreference(ctx context.Context, userID string, t preferences.PreferenceType, data preferences.Data, confidence float64, ctxData map[string]string) (preferences.UpdateResult, error) {
	res, err := s.prefs.UpdatePreference(ctx, userID, t, data, confidence, ctxData)
	if err != nil {
		return res, err
	}
	if res.SampleCount < s.cfg.MinSamples {
		return res, nil
	}
	if _, err := s.LearnPreferences(ctx, userID, t, LearnConfig{}); err != nil {
		s.logger.Warn("Relearning after preference update failed",
			zap.String("user_id", userID), zap.String("type", string(t)), zap.Error(err))
	}
	return res, nil
}

// CachedLearning returns the cached learning result, if any, for the current model version
func (s *Service) CachedLearning(ctx context.Context, userID string, t preferences.PreferenceType) (*LearningResult, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	var res LearningResult
	ok, err := cache.GetJSON(ctx, s.cache, learnKey(userID, t), &res)
	if err != nil || !ok || res.ModelVersion != s.cfg.ModelVersion {
		return nil, false, err
	}
	return &res, true, nil
}

// GetPreferencePredictions returns cached predictions when their model version
// matches, otherwise derives them from the profile's temporal patterns.
func (s *Service) GetPreferencePredictions(ctx context.Context, userID string, t preferences.PreferenceType) (*Predictions, error) {
	if err := validate(userID, t); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "learning.get_predictions",
		attribute.String("user_id", userID), attribute.String("preference_type", string(t)))
	defer span.End()

	key := predictionKey(userID, t)
	if s.cache != nil {
		var cached Predictions
		ok, err := cache.GetJSON(ctx, s.cache, key, &cached)
		switch {
		case err != nil:
			s.logger.Debug("Prediction cache read failed", zap.String("key", key), zap.Error(err))
		case ok && cached.ModelVersion == s.cfg.ModelVersion:
			metrics.PredictionRequests.WithLabelValues(string(t), "cache").Inc()
			return &cached, nil
		}
	}

	profile, err := s.prefs.LoadProfile(ctx, userID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	now := s.now().UTC()
	out := &Predictions{
		UserID:       userID,
		Type:         t,
		Predictions:  []Prediction{},
		ModelVersion: s.cfg.ModelVersion,
		Timestamp:    now,
	}
	lp := profile.LearningPatterns[t]
	if lp == nil || lp.LastAnalysis.IsZero() {
		metrics.PredictionRequests.WithLabelValues(string(t), "empty").Inc()
		return out, nil
	}

	out.Predictions = predictFromPatterns(lp, s.cfg.MinSamples)
	if len(out.Predictions) > 0 {
		var sum float64
		for _, p := range out.Predictions {
			sum += p.Confidence
		}
		out.ConfidenceScore = sum / float64(len(out.Predictions))
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, out, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Failed to cache predictions", zap.String("key", key), zap.Error(err))
		}
	}
	metrics.PredictionRequests.WithLabelValues(string(t), "computed").Inc()
	return out, nil
}

// predictFromPatterns emits one prediction per temporal bucket with at least minSamples events
func predictFromPatterns(lp *preferences.LearningPattern, minSamples int) []Prediction {
	out := []Prediction{}
	for _, b := range lp.Temporal.Buckets() {
		if b.Count < minSamples {
			continue
		}
		conf := float64(b.Count) / float64(minSamples)
		if lp.Stability < conf {
			conf = lp.Stability
		}
		out = append(out, Prediction{
			PatternType:    fmt.Sprintf("%s:%d", b.Pattern, b.Key),
			Confidence:     conf,
			PredictedValue: b.Count,
		})
	}
	return out
}
