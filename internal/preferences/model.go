package preferences

import (
	"time"

	"github.com/google/uuid"
)

// Model defaults
const (
	DefaultConfidence   = 0.5
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Snapshot is the state of a model before one update
type Snapshot struct {
	Data       Data      `json:"data"`
	Confidence float64   `json:"confidence_score"`
	Version    int       `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// PreferenceModel is the versioned preference record for one (user, type) pair
type PreferenceModel struct {
	ID          string         `json:"preference_id"`
	UserID      string         `json:"user_id"`
	Type        PreferenceType `json:"preference_type"`
	Data        Data           `json:"preference_data"`
	Confidence  float64        `json:"confidence_score"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
	History     []Snapshot     `json:"history"`

	historyLimit int
}

// NewPreferenceModel creates an empty model at version 0 with the default confidence
func NewPreferenceModel(userID string, t PreferenceType, historyLimit int, now time.Time) (*PreferenceModel, error) {
	if err := validateType(t); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &PreferenceModel{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         t,
		Data:         Data{},
		Confidence:   DefaultConfidence,
		CreatedAt:    now,
		LastUpdated:  now,
		historyLimit: clampHistoryLimit(historyLimit),
	}, nil
}

func clampHistoryLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return n
}

// SetHistoryLimit changes the ring size, dropping the oldest entries if needed
func (p *PreferenceModel) SetHistoryLimit(n int) {
	p.historyLimit = clampHistoryLimit(n)
	if over := len(p.History) - p.historyLimit; over > 0 {
		p.History = append([]Snapshot(nil), p.History[over:]...)
	}
}

// HistoryLimit returns the ring size
func (p *PreferenceModel) HistoryLimit() int {
	if p.historyLimit == 0 {
		return DefaultHistoryLimit
	}
	return p.historyLimit
}

// UpdatePreference is UpdatePreferenceAt with the current time
func (p *PreferenceModel) UpdatePreference(data Data, confidence *float64, force bool) bool {
	return p.UpdatePreferenceAt(data, confidence, force, time.Now())
}

// UpdatePreferenceAt snapshots the current state into history, replaces the
// data and bumps the version by one. confidence, when given, is clamped to
// [0,1]. A nil payload is ignored unless force is set.
func (p *PreferenceModel) UpdatePreferenceAt(data Data, confidence *float64, force bool, now time.Time) bool {
	if data == nil && !force {
		return false
	}
	now = now.UTC()
	p.History = append(p.History, Snapshot{
		Data:       p.Data.Clone(),
		Confidence: p.Confidence,
		Version:    p.Version,
		Timestamp:  now,
	})
	if over := len(p.History) - p.HistoryLimit(); over > 0 {
		p.History = append([]Snapshot(nil), p.History[over:]...)
	}

	if data == nil {
		data = Data{}
	}
	p.Data = data.Clone()
	p.LastUpdated = now
	p.Version++
	if confidence != nil {
		p.Confidence = clamp01(*confidence)
	}
	return true
}

// HistoryFilter narrows GetHistory. Zero values disable a filter.
type HistoryFilter struct {
	Limit         int
	Start         time.Time
	End           time.Time
	MinConfidence *float64
}

// GetHistory returns matching snapshots, oldest first. Limit keeps the most recent entries.
func (p *PreferenceModel) GetHistory(f HistoryFilter) []Snapshot {
	out := make([]Snapshot, 0, len(p.History))
	for _, s := range p.History {
		if !f.Start.IsZero() && s.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && s.Timestamp.After(f.End) {
			continue
		}
		if f.MinConfidence != nil && s.Confidence < *f.MinConfidence {
			continue
		}
		out = append(out, s)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (p *PreferenceModel) clone() *PreferenceModel {
	c := *p
	c.Data = p.Data.Clone()
	c.History = make([]Snapshot, len(p.History))
	for i, s := range p.History {
		s.Data = s.Data.Clone()
		c.History[i] = s
	}
	return &c
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
