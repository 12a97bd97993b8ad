package preferences

import (
	"math"
	"time"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Learning thresholds
const (
	MinSamples        = 5
	PatternWeight     = 0.3
	ConsistencyWeight = 0.3
	ConsistencyWindow = 5
	AnalysisWindow    = 30 * 24 * time.Hour
)

// LearningPattern is the latest analysis of one preference type
type LearningPattern struct {
	ConsistencyScore float64            `json:"consistency_score"`
	Temporal         TemporalPatterns   `json:"temporal_patterns"`
	Stability        float64            `json:"preference_stability"`
	Interval         ConfidenceInterval `json:"confidence_interval"`
	WindowSamples    int                `json:"window_samples"`
	LastAnalysis     time.Time          `json:"last_analysis"`
}

// PatternMetrics tracks sample counts and pattern strength of one type
type PatternMetrics struct {
	LastAnalysis    time.Time `json:"last_analysis"`
	SampleCount     int       `json:"sample_count"`
	PatternStrength float64   `json:"pattern_strength"`
}

// UpdateResult reports what UpdatePreference stored
type UpdateResult struct {
	Type         PreferenceType `json:"preference_type"`
	Confidence   float64        `json:"confidence_score"`
	PatternScore float64        `json:"pattern_score"`
	Created      bool           `json:"created"`
	SampleCount  int            `json:"sample_count"`
	Analysis     *Analysis      `json:"analysis,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ProfileOptions configure a UserProfile
type ProfileOptions struct {
	HistoryLimit int
	MinSamples   int
	Now          func() time.Time
}

// UserProfile aggregates one user's preference models, interaction history and learned patterns
type UserProfile struct {
	UserID             string                               `json:"user_id"`
	Preferences        map[PreferenceType]Data              `json:"preferences"`
	Models             map[PreferenceType]*PreferenceModel  `json:"-"`
	LearningPatterns   map[PreferenceType]*LearningPattern  `json:"learning_patterns"`
	InteractionHistory map[PreferenceType][]Interaction     `json:"interaction_history"`
	PatternMetrics     map[PreferenceType]*PatternMetrics   `json:"pattern_metrics"`
	ConfidenceScores   map[PreferenceType]float64           `json:"confidence_scores"`
	CreatedAt          time.Time                            `json:"created_at"`
	LastUpdated        time.Time                            `json:"last_updated"`

	opts ProfileOptions
}

// NewUserProfile creates an empty profile with a slot for every supported type
func NewUserProfile(userID string, opts ProfileOptions) *UserProfile {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = MinSamples
	}
	opts.HistoryLimit = clampHistoryLimit(opts.HistoryLimit)
	now := opts.Now().UTC()
	u := &UserProfile{
		UserID:             userID,
		Preferences:        make(map[PreferenceType]Data),
		Models:             make(map[PreferenceType]*PreferenceModel),
		LearningPatterns:   make(map[PreferenceType]*LearningPattern),
		InteractionHistory: make(map[PreferenceType][]Interaction),
		PatternMetrics:     make(map[PreferenceType]*PatternMetrics),
		ConfidenceScores:   make(map[PreferenceType]float64),
		CreatedAt:          now,
		LastUpdated:        now,
		opts:               opts,
	}
	for _, t := range SupportedTypes {
		u.Preferences[t] = Data{}
		u.LearningPatterns[t] = &LearningPattern{}
		u.InteractionHistory[t] = nil
		u.PatternMetrics[t] = &PatternMetrics{LastAnalysis: now}
	}
	return u
}

// attach installs a stored model and its interaction history
func (u *UserProfile) attach(m *PreferenceModel, history []Interaction) {
	m.SetHistoryLimit(u.opts.HistoryLimit)
	u.Models[m.Type] = m
	u.Preferences[m.Type] = m.Data.Clone()
	u.ConfidenceScores[m.Type] = m.Confidence
	u.InteractionHistory[m.Type] = history
	u.PatternMetrics[m.Type].SampleCount = len(history)
}

// WeightedConfidence blends the caller's confidence with the pattern
// consistency score. The two weights are renormalised to sum to one.
func WeightedConfidence(confidence, patternScore float64) float64 {
	return clamp01((confidence*PatternWeight + patternScore*ConsistencyWeight) / (PatternWeight + ConsistencyWeight))
}

// UpdatePreference records a new preference expression for type t
func (u *UserProfile) UpdatePreference(t PreferenceType, data Data, confidence float64, ctxData map[string]string) (UpdateResult, error) {
	if err := validateType(t); err != nil {
		return UpdateResult{}, err
	}
	if data == nil {
		return UpdateResult{}, apperr.NewValidation("preference_data", "required")
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return UpdateResult{}, apperr.NewValidation("confidence_score", "must be within [0,1], got %v", confidence)
	}
	now := u.opts.Now().UTC()

	model, ok := u.Models[t]
	created := !ok
	if created {
		var err error
		model, err = NewPreferenceModel(u.UserID, t, u.opts.HistoryLimit, now)
		if err != nil {
			return UpdateResult{}, err
		}
		u.Models[t] = model
	}

	patternScore := patternConsistency(u.InteractionHistory[t], data, ConsistencyWindow)
	weighted := WeightedConfidence(confidence, patternScore)
	model.UpdatePreferenceAt(data, &weighted, false, now)

	u.InteractionHistory[t] = append(u.InteractionHistory[t], Interaction{
		Timestamp:  now,
		Data:       data.Clone(),
		Confidence: weighted,
		Context:    copyStrings(ctxData),
	})
	u.Preferences[t] = data.Clone()
	u.LearningPatterns[t].ConsistencyScore = patternScore
	u.ConfidenceScores[t] = weighted
	u.PatternMetrics[t].SampleCount = len(u.InteractionHistory[t])
	u.LastUpdated = now

	res := UpdateResult{
		Type:         t,
		Confidence:   weighted,
		PatternScore: patternScore,
		Created:      created,
		SampleCount:  u.PatternMetrics[t].SampleCount,
		UpdatedAt:    now,
	}
	if u.PatternMetrics[t].SampleCount >= u.opts.MinSamples {
		a, err := u.AnalyzeLearningPatterns(t)
		if err != nil {
			return UpdateResult{}, err
		}
		res.Analysis = &a
	}
	return res, nil
}

// LastInteraction returns the most recent interaction of type t
func (u *UserProfile) LastInteraction(t PreferenceType) (Interaction, bool) {
	h := u.InteractionHistory[t]
	if len(h) == 0 {
		return Interaction{}, false
	}
	return h[len(h)-1], true
}

// AnalyzeLearningPatterns analyses the last 30 days of type t and stores the result
func (u *UserProfile) AnalyzeLearningPatterns(t PreferenceType) (Analysis, error) {
	if err := validateType(t); err != nil {
		return Analysis{}, err
	}
	now := u.opts.Now().UTC()
	window, err := u.GetPreferenceHistory(t, HistoryQuery{Start: now.Add(-AnalysisWindow)})
	if err != nil {
		return Analysis{}, err
	}
	a := AnalyzeInteractions(t, window.Entries, now)

	lp := u.LearningPatterns[t]
	lp.Temporal = a.Temporal
	lp.Stability = a.Stability
	lp.Interval = a.Interval
	lp.WindowSamples = a.SampleCount
	lp.LastAnalysis = now

	pm := u.PatternMetrics[t]
	pm.PatternStrength = a.Stability
	pm.LastAnalysis = now
	return a, nil
}

// HistoryQuery narrows GetPreferenceHistory. Filter matches interaction context values.
type HistoryQuery struct {
	Limit  int
	Start  time.Time
	End    time.Time
	Filter map[string]string
}

// HistoryResult is a filtered slice of interaction history
type HistoryResult struct {
	Type    PreferenceType `json:"preference_type"`
	Entries []Interaction  `json:"history"`
	Total   int            `json:"total_entries"`
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	Metrics PatternMetrics `json:"metrics"`
}

// GetPreferenceHistory filters the interaction history of type t, oldest first
func (u *UserProfile) GetPreferenceHistory(t PreferenceType, q HistoryQuery) (HistoryResult, error) {
	if err := validateType(t); err != nil {
		return HistoryResult{}, err
	}
	var entries []Interaction
	for _, in := range u.InteractionHistory[t] {
		if !q.Start.IsZero() && in.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && in.Timestamp.After(q.End) {
			continue
		}
		if !matchesContext(in.Context, q.Filter) {
			continue
		}
		entries = append(entries, in)
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[len(entries)-q.Limit:]
	}

	res := HistoryResult{Type: t, Entries: entries, Total: len(entries), Start: q.Start, End: q.End}
	if res.Start.IsZero() {
		res.Start = u.CreatedAt
	}
	if res.End.IsZero() {
		res.End = u.opts.Now().UTC()
	}
	if pm := u.PatternMetrics[t]; pm != nil {
		res.Metrics = *pm
	}
	return res, nil
}

func matchesContext(ctx, filter map[string]string) bool {
	for k, v := range filter {
		if ctx[k] != v {
			return false
		}
	}
	return true
}

func copyStrings(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
