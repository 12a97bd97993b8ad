package preferences

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/metrics"
)

// ManagerConfig holds profile tuning shared by every user
type ManagerConfig struct {
	HistoryLimit int
	MinSamples   int
	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// Manager loads profiles from a Store, applies updates and writes them back.
// Updates of one user are serialised; different users proceed in parallel.
type Manager struct {
	store  Store
	cfg    ManagerConfig
	logger *zap.Logger
	locks  sync.Map // user id -> *sync.Mutex
	now    func() time.Time
}

// NewManager creates a manager over store
func NewManager(store Store, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = MinSamples
	}
	cfg.HistoryLimit = clampHistoryLimit(cfg.HistoryLimit)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, cfg: cfg, logger: logger, now: now}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) profileOptions() ProfileOptions {
	return ProfileOptions{HistoryLimit: m.cfg.HistoryLimit, MinSamples: m.cfg.MinSamples, Now: m.now}
}

// LoadProfile rebuilds a user's profile from the store. Users without stored
// models get an empty profile.
func (m *Manager) LoadProfile(ctx context.Context, userID string) (*UserProfile, error) {
	if userID == "" {
		return nil, apperr.NewValidation("user_id", "required")
	}
	models, err := m.store.ListModels(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := NewUserProfile(userID, m.profileOptions())
	for _, model := range models {
		if !model.Type.Valid() {
			m.logger.Warn("Skipping stored model with unknown type",
				zap.String("user_id", userID), zap.String("type", string(model.Type)))
			continue
		}
		history, err := m.store.ListInteractions(ctx, userID, model.Type, time.Time{})
		if err != nil {
			return nil, err
		}
		p.attach(model, history)
		if model.CreatedAt.Before(p.CreatedAt) {
			p.CreatedAt = model.CreatedAt
		}
		if model.LastUpdated.After(p.LastUpdated) {
			p.LastUpdated = model.LastUpdated
		}
		if len(history) >= m.cfg.MinSamples {
			if _, err := p.AnalyzeLearningPatterns(model.Type); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// UpdatePreference applies one preference expression and persists the model
// and the new interaction
func (m *Manager) UpdatePreference(ctx context.Context, userID string, t PreferenceType, data Data, confidence float64, ctxData map[string]string) (UpdateResult, error) {
	if err := validateType(t); err != nil {
		metrics.PreferenceUpdates.WithLabelValues(string(t), "invalid").Inc()
		return UpdateResult{}, err
	}
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.LoadProfile(ctx, userID)
	if err != nil {
		metrics.PreferenceUpdates.WithLabelValues(string(t), "error").Inc()
		return UpdateResult{}, err
	}
	res, err := p.UpdatePreference(t, data, confidence, ctxData)
	if err != nil {
		metrics.PreferenceUpdates.WithLabelValues(string(t), "invalid").Inc()
		return UpdateResult{}, err
	}

	model := p.Models[t]
	in, _ := p.LastInteraction(t)
	if err := m.store.SaveUpdate(ctx, model, res.Created, in); err != nil {
		metrics.PreferenceUpdates.WithLabelValues(string(t), "error").Inc()
		return UpdateResult{}, fmt.Errorf("failed to persist preference update: %w", err)
	}

	metrics.PreferenceUpdates.WithLabelValues(string(t), "success").Inc()
	m.logger.Debug("Preference updated",
		zap.String("user_id", userID),
		zap.String("type", string(t)),
		zap.Int("version", model.Version),
		zap.Float64("confidence", res.Confidence),
	)
	return res, nil
}

// Model returns the stored model of (userID, t)
func (m *Manager) Model(ctx context.Context, userID string, t PreferenceType) (*PreferenceModel, error) {
	if err := validateType(t); err != nil {
		return nil, err
	}
	return m.store.GetModel(ctx, userID, t)
}

// Interactions returns stored interactions of (userID, t) at or after since
func (m *Manager) Interactions(ctx context.Context, userID string, t PreferenceType, since time.Time) ([]Interaction, error) {
	if err := validateType(t); err != nil {
		return nil, err
	}
	return m.store.ListInteractions(ctx, userID, t, since)
}

// History filters the interaction history of (userID, t)
func (m *Manager) History(ctx context.Context, userID string, t PreferenceType, q HistoryQuery) (HistoryResult, error) {
	p, err := m.LoadProfile(ctx, userID)
	if err != nil {
		return HistoryResult{}, err
	}
	return p.GetPreferenceHistory(t, q)
}

// Preferences returns the current payload of every type the user has set
func (m *Manager) Preferences(ctx context.Context, userID string) (map[PreferenceType]Data, error) {
	models, err := m.store.ListModels(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return map[PreferenceType]Data{}, nil
		}
		return nil, err
	}
	out := make(map[PreferenceType]Data, len(models))
	for _, model := range models {
		out[model.Type] = model.Data.Clone()
	}
	return out, nil
}
