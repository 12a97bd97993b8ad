package preferences

import (
	"sort"
	"time"
)

// Interaction is one recorded preference expression
type Interaction struct {
	Timestamp  time.Time         `json:"timestamp"`
	Data       Data              `json:"data"`
	Confidence float64           `json:"confidence"`
	Context    map[string]string `json:"context,omitempty"`
}

// TemporalPatterns are event-count histograms by hour of day, weekday
// (Monday = 0) and ISO week number
type TemporalPatterns struct {
	Hourly map[int]int `json:"hourly"`
	Daily  map[int]int `json:"daily"`
	Weekly map[int]int `json:"weekly"`
}

// Bucket is one histogram cell
type Bucket struct {
	Pattern string `json:"pattern"`
	Key     int    `json:"key"`
	Count   int    `json:"count"`
}

// Buckets flattens the histograms in a fixed order: hourly, daily, weekly,
// each sorted by key
func (tp TemporalPatterns) Buckets() []Bucket {
	var out []Bucket
	for _, h := range []struct {
		name string
		m    map[int]int
	}{{"hourly", tp.Hourly}, {"daily", tp.Daily}, {"weekly", tp.Weekly}} {
		keys := make([]int, 0, len(h.m))
		for k := range h.m {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			out = append(out, Bucket{Pattern: h.name, Key: k, Count: h.m[k]})
		}
	}
	return out
}

// ConfidenceInterval is mean confidence plus or minus 0.1, clamped to [0,1]
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Mean  float64 `json:"mean"`
}

// Analysis is the result of analysing a run of interactions
type Analysis struct {
	Type        PreferenceType     `json:"preference_type"`
	Temporal    TemporalPatterns   `json:"temporal_patterns"`
	Stability   float64            `json:"stability_score"`
	Interval    ConfidenceInterval `json:"confidence_interval"`
	SampleCount int                `json:"sample_count"`
	AnalyzedAt  time.Time          `json:"analysis_timestamp"`
}

// AnalyzeTemporalPatterns buckets interaction timestamps (in UTC)
func AnalyzeTemporalPatterns(history []Interaction) TemporalPatterns {
	tp := TemporalPatterns{Hourly: map[int]int{}, Daily: map[int]int{}, Weekly: map[int]int{}}
	for _, in := range history {
		ts := in.Timestamp.UTC()
		tp.Hourly[ts.Hour()]++
		tp.Daily[(int(ts.Weekday())+6)%7]++
		_, week := ts.ISOWeek()
		tp.Weekly[week]++
	}
	return tp
}

// PreferenceStability is 1 - distinct payloads / entries; 0 for no history
func PreferenceStability(history []Interaction) float64 {
	if len(history) == 0 {
		return 0
	}
	distinct := make(map[string]struct{}, len(history))
	for _, in := range history {
		distinct[in.Data.canonical()] = struct{}{}
	}
	return 1 - float64(len(distinct))/float64(len(history))
}

// ConfidenceIntervalOf summarises the confidences of history
func ConfidenceIntervalOf(history []Interaction) ConfidenceInterval {
	if len(history) == 0 {
		return ConfidenceInterval{}
	}
	var sum float64
	for _, in := range history {
		sum += in.Confidence
	}
	mean := sum / float64(len(history))
	return ConfidenceInterval{Lower: clamp01(mean - 0.1), Upper: clamp01(mean + 0.1), Mean: mean}
}

// AnalyzeInteractions runs every pattern metric over history
func AnalyzeInteractions(t PreferenceType, history []Interaction, now time.Time) Analysis {
	return Analysis{
		Type:        t,
		Temporal:    AnalyzeTemporalPatterns(history),
		Stability:   PreferenceStability(history),
		Interval:    ConfidenceIntervalOf(history),
		SampleCount: len(history),
		AnalyzedAt:  now.UTC(),
	}
}

// patternConsistency is the share of the last window entries whose payload equals data.
// With no history it returns the neutral 0.5.
func patternConsistency(history []Interaction, data Data, window int) float64 {
	if len(history) == 0 {
		return 0.5
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	want := data.canonical()
	same := 0
	for _, in := range history {
		if in.Data.canonical() == want {
			same++
		}
	}
	return float64(same) / float64(len(history))
}
