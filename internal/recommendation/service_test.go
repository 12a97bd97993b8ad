package recommendation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/cache"
	"github.com/huddlechat/orchestrator/internal/catalog"
	"github.com/huddlechat/orchestrator/internal/circuitbreaker"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/learning"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

type stubPrefs struct {
	current map[preferences.PreferenceType]preferences.Data
	history []preferences.Interaction
	err     error
}

func (s *stubPrefs) Preferences(context.Context, string) (map[preferences.PreferenceType]preferences.Data, error) {
	return s.current, s.err
}

func (s *stubPrefs) Interactions(context.Context, string, preferences.PreferenceType, time.Time) ([]preferences.Interaction, error) {
	return s.history, s.err
}

type stubPredictor struct {
	confidence float64
	err        error
}

func (s *stubPredictor) GetPreferencePredictions(_ context.Context, userID string, t preferences.PreferenceType) (*learning.Predictions, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &learning.Predictions{UserID: userID, Type: t, ConfidenceScore: s.confidence, ModelVersion: learning.ModelVersion}, nil
}

type stubDynamics struct {
	active []string
}

func (s *stubDynamics) GetGroupDynamics(_ context.Context, id string, _ conversation.DynamicsOptions) (conversation.GroupDynamics, error) {
	return conversation.GroupDynamics{ConversationID: id, ActiveUsers: s.active}, nil
}

type countingGenerator struct {
	calls      int32
	candidates []Candidate
}

func (g *countingGenerator) Generate(context.Context, GenerateRequest) ([]Candidate, error) {
	atomic.AddInt32(&g.calls, 1)
	return g.candidates, nil
}

func thaiPrefs() *stubPrefs {
	return &stubPrefs{current: map[preferences.PreferenceType]preferences.Data{
		preferences.TypeContent: {"cuisine": "thai"},
	}}
}

func cuisine(id string, vec map[string]float64) Candidate {
	return Candidate{ID: id, Name: id, Kind: "content", Features: map[string]map[string]float64{"cuisine": vec}}
}

func newTestService(t *testing.T, cfg Config, prefs PreferenceSource, pred Predictor, dyn DynamicsSource) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(context.Background(), cache.RedisOptions{Addr: mr.Addr()}, circuitbreaker.NewMetricsCollector(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return now }
	}
	return NewService(cfg, pred, prefs, dyn, c, zaptest.NewLogger(t)), mr
}

func minScore(v float64) *float64 { return &v }

func TestGetRecommendationsFiltersAndRanks(t *testing.T) {
	svc, _ := newTestService(t, Config{}, thaiPrefs(), &stubPredictor{confidence: 0.8}, nil)
	gen := &countingGenerator{candidates: []Candidate{
		cuisine("greek", map[string]float64{"greek": 1}),
		cuisine("mostly-thai", map[string]float64{"thai": 2, "greek": 1}),
		cuisine("thai", map[string]float64{"thai": 1}),
		cuisine("half-thai", map[string]float64{"thai": 1, "greek": 1}),
	}}
	svc.RegisterGenerator("content", gen)

	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "thai", recs[0].Item.ID)
	assert.InDelta(t, 0.85, recs[0].Score, 1e-9)
	assert.Equal(t, "mostly-thai", recs[1].Item.ID)
	assert.InDelta(t, 0.8, recs[0].Confidence, 1e-9)
	assert.Equal(t, now, recs[0].Timestamp)
}

func TestGetRecommendationsTruncates(t *testing.T) {
	svc, _ := newTestService(t, Config{MaxRecommendations: 3}, thaiPrefs(), &stubPredictor{}, nil)
	var cands []Candidate
	for i := 0; i < 15; i++ {
		cands = append(cands, cuisine(fmt.Sprintf("c%02d", i), map[string]float64{"thai": 1}))
	}
	svc.RegisterGenerator("content", &countingGenerator{candidates: cands})

	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Equal scores keep generator order.
	assert.Equal(t, "c00", recs[0].Item.ID)
	assert.Equal(t, "c02", recs[2].Item.ID)
}

func TestGetRecommendationsCacheHit(t *testing.T) {
	svc, mr := newTestService(t, Config{}, thaiPrefs(), &stubPredictor{confidence: 0.6}, nil)
	gen := &countingGenerator{candidates: []Candidate{
		cuisine("thai", map[string]float64{"thai": 1}),
		{ID: "empty-attrs", Kind: "content", Attributes: map[string]string{}, Features: map[string]map[string]float64{"cuisine": {"thai": 3}}},
	}}
	svc.RegisterGenerator("content", gen)
	ctx := context.Background()

	first, err := svc.GetRecommendations(ctx, "u1", "content", nil, false)
	require.NoError(t, err)
	second, err := svc.GetRecommendations(ctx, "u1", "content", nil, false)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&gen.calls), "second call must be served from cache")
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.True(t, mr.Exists("rec_u1:content"))
	assert.Equal(t, 30*time.Minute, mr.TTL("rec_u1:content"))

	t.Run("refresh bypasses cache", func(t *testing.T) {
		_, err := svc.GetRecommendations(ctx, "u1", "content", nil, true)
		require.NoError(t, err)
		assert.EqualValues(t, 2, atomic.LoadInt32(&gen.calls))
	})

	t.Run("other cache versions are ignored", func(t *testing.T) {
		stale := cachePayload{Version: "0.1.0", Recommendations: []Recommendation{{Item: Candidate{ID: "old"}}}}
		raw, err := json.Marshal(stale)
		require.NoError(t, err)
		require.NoError(t, mr.Set("rec_u1:content", string(raw)))

		recs, err := svc.GetRecommendations(ctx, "u1", "content", nil, false)
		require.NoError(t, err)
		assert.Equal(t, "thai", recs[0].Item.ID)
		assert.EqualValues(t, 3, atomic.LoadInt32(&gen.calls))
	})
}

func TestCacheHitRatioResets(t *testing.T) {
	svc, _ := newTestService(t, Config{StatsResetAfter: 3}, thaiPrefs(), &stubPredictor{}, nil)
	svc.RegisterGenerator("content", &countingGenerator{candidates: []Candidate{cuisine("thai", map[string]float64{"thai": 1})}})
	ctx := context.Background()

	assert.Equal(t, 0.0, svc.CacheHitRatio())
	for i := 0; i < 3; i++ {
		_, err := svc.GetRecommendations(ctx, "u1", "content", nil, false)
		require.NoError(t, err)
	}
	assert.InDelta(t, 2.0/3.0, svc.CacheHitRatio(), 1e-9)

	_, err := svc.GetRecommendations(ctx, "u1", "content", nil, false)
	require.NoError(t, err)
	hits, misses := svc.CacheStats()
	assert.Equal(t, 0, hits)
	assert.Equal(t, 0, misses)
	assert.Equal(t, 0.0, svc.CacheHitRatio())
}

func TestGetRecommendationsUsesGroupDynamics(t *testing.T) {
	dyn := &stubDynamics{active: []string{"u1", "u2"}}
	svc, _ := newTestService(t, Config{MinScore: minScore(0.5)}, thaiPrefs(), &stubPredictor{}, dyn)
	targeted := cuisine("targeted", map[string]float64{"thai": 1})
	targeted.TargetUsers = []string{"u1", "u2"}
	svc.RegisterGenerator("content", &countingGenerator{candidates: []Candidate{
		cuisine("untargeted", map[string]float64{"thai": 1}),
		targeted,
	}})

	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", &RequestContext{ConversationID: "c1"}, false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "targeted", recs[0].Item.ID)
	assert.InDelta(t, 1.0, recs[0].Score, 1e-9)
	// No overlap gives a context score of 0.
	assert.InDelta(t, 0.7, recs[1].Score, 1e-9)
}

func TestGetRecommendationsDegradesWithoutPredictions(t *testing.T) {
	pred := &stubPredictor{err: apperr.NewProviderError("redis", "get", 0, errors.New("down"))}
	svc, _ := newTestService(t, Config{}, thaiPrefs(), pred, nil)
	svc.RegisterGenerator("content", &countingGenerator{candidates: []Candidate{cuisine("thai", map[string]float64{"thai": 1})}})

	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0.5, recs[0].Confidence)
}

func TestGetRecommendationsErrors(t *testing.T) {
	prefs := &stubPrefs{err: errors.New("db down")}
	svc, _ := newTestService(t, Config{}, prefs, nil, nil)
	svc.RegisterGenerator("content", &countingGenerator{})
	ctx := context.Background()

	_, err := svc.GetRecommendations(ctx, "u1", "location", nil, false)
	assert.True(t, errors.Is(err, apperr.ErrUnsupportedType))

	_, err = svc.GetRecommendations(ctx, "", "content", nil, false)
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.GetRecommendations(ctx, "u1", "content", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestCatalogGenerator(t *testing.T) {
	cat, err := catalog.Parse([]byte(`
content:
  - id: thai-night
    name: Thai night
    valid_from: 2024-03-08T19:00:00Z
    target_users: [u1]
    features:
      cuisine: {thai: 1}
  - id: ramen
    features:
      cuisine: {japanese: 1}
`))
	require.NoError(t, err)

	svc, _ := newTestService(t, Config{}, thaiPrefs(), &stubPredictor{confidence: 0.9}, nil)
	RegisterCatalog(svc, cat)

	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", &RequestContext{Timestamp: now}, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "thai-night", recs[0].Item.ID)
	assert.Equal(t, "content", recs[0].Item.Kind)
	assert.InDelta(t, 1.0, recs[0].Score, 1e-9)

	agents, err := svc.GetRecommendations(context.Background(), "u1", "ai_agent", nil, false)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestGetRecommendationsZeroMinScore(t *testing.T) {
	candidates := []Candidate{
		cuisine("greek", map[string]float64{"greek": 1}),
		cuisine("thai", map[string]float64{"thai": 1}),
	}

	svc, _ := newTestService(t, Config{MinScore: minScore(0)}, thaiPrefs(), &stubPredictor{confidence: 0.8}, nil)
	svc.RegisterGenerator("content", &countingGenerator{candidates: candidates})
	recs, err := svc.GetRecommendations(context.Background(), "u1", "content", nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 2, "a zero threshold keeps every candidate")
	assert.Equal(t, "thai", recs[0].Item.ID)
	assert.Equal(t, "greek", recs[1].Item.ID)

	svc, _ = newTestService(t, Config{}, thaiPrefs(), &stubPredictor{confidence: 0.8}, nil)
	svc.RegisterGenerator("content", &countingGenerator{candidates: candidates})
	recs, err = svc.GetRecommendations(context.Background(), "u1", "content", nil, false)
	require.NoError(t, err)
	require.Len(t, recs, 1, "unset threshold defaults to %v", DefaultMinScore)
	assert.Equal(t, "thai", recs[0].Item.ID)
}
