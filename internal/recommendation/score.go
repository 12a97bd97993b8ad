package recommendation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

// ScoreWeights blend the three sub-scores; they sum to one
var ScoreWeights = map[string]float64{
	"preference": 0.6,
	"context":    0.3,
	"diversity":  0.1,
}

// Scoring constants
const (
	neutralContextScore = 0.5
	diversityWindow     = 10
	secondsPerDay       = 86400.0
)

// UserPreferences is the scoring view of a user: named feature vectors plus
// recent preference payloads used for the diversity bonus
type UserPreferences struct {
	Features map[string]map[string]float64
	History  []map[string]string
}

// Empty reports whether there is nothing to score against
func (u UserPreferences) Empty() bool {
	return len(u.Features) == 0 && len(u.History) == 0
}

// ScoreContext carries request-time signals
type ScoreContext struct {
	Timestamp time.Time
}

// CalculateRecommendationScore blends preference match, context relevance and
// a diversity bonus into [0,1]. Users without preferences score 0.
func CalculateRecommendationScore(prefs UserPreferences, sc ScoreContext, item Candidate, gd *conversation.GroupDynamics) float64 {
	if prefs.Empty() {
		return 0
	}
	score := preferenceMatch(prefs.Features, item.Features)*ScoreWeights["preference"] +
		contextRelevance(sc, item, gd)*ScoreWeights["context"] +
		diversity(item.signature(), prefs.History)*ScoreWeights["diversity"]
	return clamp01(score)
}

// preferenceMatch is the mean cosine similarity over the item's features
func preferenceMatch(user, item map[string]map[string]float64) float64 {
	if len(item) == 0 {
		return 0
	}
	var sum float64
	for name, vec := range item {
		sum += cosine(user[name], vec)
	}
	return sum / float64(len(item))
}

// cosine aligns the vectors by key; missing keys count as zero
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, x := range a {
		na += x * x
		dot += x * b[k]
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func contextRelevance(sc ScoreContext, item Candidate, gd *conversation.GroupDynamics) float64 {
	var scores []float64
	if !sc.Timestamp.IsZero() && !item.ValidFrom.IsZero() {
		dt := math.Abs(sc.Timestamp.Sub(item.ValidFrom).Seconds())
		scores = append(scores, 1/(1+dt/secondsPerDay))
	}
	if gd != nil && len(gd.ActiveUsers) > 0 {
		targets := make(map[string]struct{}, len(item.TargetUsers))
		for _, u := range item.TargetUsers {
			targets[u] = struct{}{}
		}
		overlap := 0
		for _, u := range gd.ActiveUsers {
			if _, ok := targets[u]; ok {
				overlap++
			}
		}
		scores = append(scores, float64(overlap)/float64(len(gd.ActiveUsers)))
	}
	if len(scores) == 0 {
		return neutralContextScore
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// diversity is one minus the mean share of identical shared keys against the
// last ten history entries; entries with no shared keys are skipped
func diversity(item map[string]string, history []map[string]string) float64 {
	if len(history) == 0 {
		return 1
	}
	if len(history) > diversityWindow {
		history = history[len(history)-diversityWindow:]
	}
	var sum float64
	n := 0
	for _, h := range history {
		common, same := 0, 0
		for k, v := range item {
			hv, ok := h[k]
			if !ok {
				continue
			}
			common++
			if hv == v {
				same++
			}
		}
		if common > 0 {
			sum += float64(same) / float64(common)
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return 1 - sum/float64(n)
}

// BuildUserPreferences turns stored preference payloads into feature vectors.
// A nested numeric map becomes a feature of its own, a string value becomes a
// one-hot feature named after its key and a top-level number is added to the
// feature named after the preference type.
func BuildUserPreferences(current map[preferences.PreferenceType]preferences.Data, history []preferences.Interaction) UserPreferences {
	up := UserPreferences{Features: map[string]map[string]float64{}}
	types := make([]string, 0, len(current))
	for t := range current {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		for key, val := range current[preferences.PreferenceType(t)] {
			switch v := val.(type) {
			case map[string]interface{}:
				for k, x := range v {
					if f, ok := toFloat(x); ok {
						addFeature(up.Features, key, k, f)
					}
				}
			case string:
				addFeature(up.Features, key, v, 1)
			case []interface{}:
				for _, x := range v {
					if s, ok := x.(string); ok {
						addFeature(up.Features, key, s, 1)
					}
				}
			default:
				if f, ok := toFloat(v); ok {
					addFeature(up.Features, t, key, f)
				}
			}
		}
	}
	if len(up.Features) == 0 {
		up.Features = nil
	}
	for _, in := range history {
		up.History = append(up.History, flatten(in.Data))
	}
	return up
}

func addFeature(features map[string]map[string]float64, name, key string, v float64) {
	vec, ok := features[name]
	if !ok {
		vec = map[string]float64{}
		features[name] = vec
	}
	vec[key] += v
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func flatten(d preferences.Data) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
