package recommendation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

var now = time.Date(2024, 3, 8, 19, 0, 0, 0, time.UTC)

func TestScoreWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, ScoreWeights["preference"]+ScoreWeights["context"]+ScoreWeights["diversity"], 1e-12)
	assert.Len(t, ScoreWeights, 3)
}

func TestScoreEmptyPreferences(t *testing.T) {
	item := Candidate{ID: "x", Features: map[string]map[string]float64{"cuisine": {"thai": 1}}}
	assert.Equal(t, 0.0, CalculateRecommendationScore(UserPreferences{}, ScoreContext{Timestamp: now}, item, nil))
}

func TestScoreIdenticalItem(t *testing.T) {
	features := map[string]map[string]float64{"cuisine": {"thai": 1, "spicy": 0.5}, "time": {"evening": 1}}
	prefs := UserPreferences{Features: features}
	item := Candidate{ID: "thai-night", Features: features, TargetUsers: []string{"u1", "u2"}, ValidFrom: now}
	gd := &conversation.GroupDynamics{ActiveUsers: []string{"u1", "u2"}}

	score := CalculateRecommendationScore(prefs, ScoreContext{Timestamp: now}, item, gd)
	assert.Greater(t, score, 0.9)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreComponents(t *testing.T) {
	prefs := UserPreferences{Features: map[string]map[string]float64{"cuisine": {"thai": 1}}}
	item := Candidate{ID: "c", Features: map[string]map[string]float64{"cuisine": {"thai": 1}}}

	t.Run("neutral context without signals", func(t *testing.T) {
		// 0.6*1 + 0.3*0.5 + 0.1*1
		assert.InDelta(t, 0.85, CalculateRecommendationScore(prefs, ScoreContext{}, item, nil), 1e-9)
	})

	t.Run("time decay halves after one day", func(t *testing.T) {
		it := item
		it.ValidFrom = now.Add(24 * time.Hour)
		assert.InDelta(t, 0.5, contextRelevance(ScoreContext{Timestamp: now}, it, nil), 1e-9)
	})

	t.Run("group overlap", func(t *testing.T) {
		it := item
		it.TargetUsers = []string{"u1"}
		gd := &conversation.GroupDynamics{ActiveUsers: []string{"u1", "u2", "u3", "u4"}}
		assert.InDelta(t, 0.25, contextRelevance(ScoreContext{}, it, gd), 1e-9)
	})

	t.Run("unmatched feature", func(t *testing.T) {
		it := Candidate{ID: "c", Features: map[string]map[string]float64{"travel": {"beach": 1}}}
		assert.InDelta(t, 0.25, CalculateRecommendationScore(prefs, ScoreContext{}, it, nil), 1e-9)
	})

	t.Run("partial cosine", func(t *testing.T) {
		it := Candidate{ID: "c", Features: map[string]map[string]float64{"cuisine": {"thai": 1, "greek": 1}}}
		assert.InDelta(t, 1/1.4142135623730951, preferenceMatch(prefs.Features, it.Features), 1e-9)
	})
}

func TestDiversity(t *testing.T) {
	item := map[string]string{"cuisine": "thai", "category": "event"}
	assert.Equal(t, 1.0, diversity(item, nil))
	assert.Equal(t, 0.0, diversity(item, []map[string]string{{"cuisine": "thai"}}))
	assert.Equal(t, 1.0, diversity(item, []map[string]string{{"city": "lisbon"}}))
	assert.InDelta(t, 0.5, diversity(item, []map[string]string{{"cuisine": "thai", "category": "article"}}), 1e-9)

	// Only the last ten entries count.
	history := []map[string]string{{"cuisine": "thai"}}
	for i := 0; i < 10; i++ {
		history = append(history, map[string]string{"cuisine": "greek"})
	}
	assert.Equal(t, 1.0, diversity(item, history))
}

func TestScoreBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := []string{"a", "b", "c", "d"}
	vec := func() map[string]float64 {
		v := map[string]float64{}
		for _, k := range keys {
			if rng.Intn(2) == 0 {
				v[k] = rng.Float64()*4 - 2
			}
		}
		return v
	}
	for i := 0; i < 500; i++ {
		prefs := UserPreferences{
			Features: map[string]map[string]float64{"f1": vec(), "f2": vec()},
			History:  []map[string]string{{"a": "1"}, {"id": "x"}},
		}
		item := Candidate{
			ID:          "x",
			Features:    map[string]map[string]float64{"f1": vec(), "f3": vec()},
			TargetUsers: []string{"u1"},
			ValidFrom:   now.Add(time.Duration(rng.Intn(1000)-500) * time.Hour),
		}
		gd := &conversation.GroupDynamics{ActiveUsers: []string{"u1", "u2"}}
		s := CalculateRecommendationScore(prefs, ScoreContext{Timestamp: now}, item, gd)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestBuildUserPreferences(t *testing.T) {
	current := map[preferences.PreferenceType]preferences.Data{
		preferences.TypeContent: {
			"cuisine": "thai",
			"spice":   3.0,
			"budget":  map[string]interface{}{"low": 1.0, "note": "n/a"},
			"tags":    []interface{}{"vegan", 4.0},
		},
		preferences.TypeTime: {"slot": "evening"},
	}
	history := []preferences.Interaction{{Data: preferences.Data{"cuisine": "thai", "spice": 3.0}}}

	up := BuildUserPreferences(current, history)
	assert.Equal(t, map[string]float64{"thai": 1}, up.Features["cuisine"])
	assert.Equal(t, map[string]float64{"spice": 3}, up.Features["content"])
	assert.Equal(t, map[string]float64{"low": 1}, up.Features["budget"])
	assert.Equal(t, map[string]float64{"vegan": 1}, up.Features["tags"])
	assert.Equal(t, map[string]float64{"evening": 1}, up.Features["slot"])
	assert.Equal(t, []map[string]string{{"cuisine": "thai", "spice": "3"}}, up.History)

	assert.True(t, BuildUserPreferences(nil, nil).Empty())
}
