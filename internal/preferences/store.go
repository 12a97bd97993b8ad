package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// Store persists preference models and interaction history
type Store interface {
	Migrate(ctx context.Context) error
	CreateModel(ctx context.Context, m *PreferenceModel) error
	GetModel(ctx context.Context, userID string, t PreferenceType) (*PreferenceModel, error)
	UpdateModel(ctx context.Context, m *PreferenceModel) error
	ListModels(ctx context.Context, userID string) ([]*PreferenceModel, error)
	AppendInteraction(ctx context.Context, userID string, t PreferenceType, in Interaction) error
	// SaveUpdate writes the model (inserting it when created) and appends in
	// atomically: either both are stored or neither is
	SaveUpdate(ctx context.Context, m *PreferenceModel, created bool, in Interaction) error
	ListInteractions(ctx context.Context, userID string, t PreferenceType, since time.Time) ([]Interaction, error)
}

// OpenDB opens a sqlx database for driver ("sqlite3" or "postgres")
func OpenDB(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single connection keeps in-memory databases shared and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// SQLStore is a Store on sqlx. Queries use ? placeholders rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore wraps db
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

// DB exposes the handle for health checks
func (s *SQLStore) DB() *sqlx.DB { return s.db }

type modelRow struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	Type        string    `db:"preference_type"`
	Data        string    `db:"data"`
	Confidence  float64   `db:"confidence"`
	Version     int       `db:"version"`
	History     string    `db:"history"`
	CreatedAt   time.Time `db:"created_at"`
	LastUpdated time.Time `db:"last_updated"`
}

type interactionRow struct {
	OccurredAt time.Time `db:"occurred_at"`
	Data       string    `db:"data"`
	Confidence float64   `db:"confidence"`
	Context    string    `db:"context"`
}

func (s *SQLStore) interactionsDDL() string {
	id := "BIGSERIAL PRIMARY KEY"
	if s.db.DriverName() == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return `CREATE TABLE IF NOT EXISTS preference_interactions (
		id ` + id + `,
		user_id TEXT NOT NULL,
		preference_type TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		context TEXT NOT NULL
	)`
}

// Migrate creates the tables and indexes
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS preference_models (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			preference_type TEXT NOT NULL,
			data TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			version INTEGER NOT NULL,
			history TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL,
			UNIQUE (user_id, preference_type)
		)`,
		s.interactionsDDL(),
		`CREATE INDEX IF NOT EXISTS idx_pref_interactions_user_type
			ON preference_interactions (user_id, preference_type, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pref_models_last_updated
			ON preference_models (last_updated)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate preference tables: %w", err)
		}
	}
	s.logger.Info("Preference tables migrated", zap.String("driver", s.db.DriverName()))
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func encodeModel(m *PreferenceModel) (data, history string, err error) {
	d, err := json.Marshal(m.Data)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal preference data: %w", err)
	}
	h, err := json.Marshal(m.History)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal preference history: %w", err)
	}
	return string(d), string(h), nil
}

func (r modelRow) toModel() (*PreferenceModel, error) {
	m := &PreferenceModel{
		ID:          r.ID,
		UserID:      r.UserID,
		Type:        PreferenceType(r.Type),
		Confidence:  r.Confidence,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt.UTC(),
		LastUpdated: r.LastUpdated.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Data), &m.Data); err != nil {
		return nil, fmt.Errorf("failed to decode preference data: %w", err)
	}
	if err := json.Unmarshal([]byte(r.History), &m.History); err != nil {
		return nil, fmt.Errorf("failed to decode preference history: %w", err)
	}
	return m, nil
}

// CreateModel inserts a new model
func (s *SQLStore) CreateModel(ctx context.Context, m *PreferenceModel) error {
	return createModel(ctx, s.db, m)
}

func createModel(ctx context.Context, ext sqlx.ExtContext, m *PreferenceModel) error {
	data, history, err := encodeModel(m)
	if err != nil {
		return err
	}
	query := ext.Rebind(`INSERT INTO preference_models (
		id, user_id, preference_type, data, confidence, version, history, created_at, last_updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = ext.ExecContext(ctx, query,
		m.ID, m.UserID, string(m.Type), data, m.Confidence, m.Version, history,
		m.CreatedAt.UTC(), m.LastUpdated.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, m.UserID, m.Type)
		}
		return fmt.Errorf("failed to create preference model: %w", err)
	}
	return nil
}

// GetModel loads the model for (userID, t); apperr.ErrNotFound when absent
func (s *SQLStore) GetModel(ctx context.Context, userID string, t PreferenceType) (*PreferenceModel, error) {
	var row modelRow
	query := s.db.Rebind(`SELECT id, user_id, preference_type, data, confidence, version, history, created_at, last_updated
		FROM preference_models WHERE user_id = ? AND preference_type = ?`)
	if err := s.db.GetContext(ctx, &row, query, userID, string(t)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("preference model %s/%s: %w", userID, t, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get preference model: %w", err)
	}
	return row.toModel()
}

// UpdateModel overwrites the stored model with the same (user, type)
func (s *SQLStore) UpdateModel(ctx context.Context, m *PreferenceModel) error {
	return updateModel(ctx, s.db, m)
}

func updateModel(ctx context.Context, ext sqlx.ExtContext, m *PreferenceModel) error {
	data, history, err := encodeModel(m)
	if err != nil {
		return err
	}
	query := ext.Rebind(`UPDATE preference_models
		SET data = ?, confidence = ?, version = ?, history = ?, last_updated = ?
		WHERE user_id = ? AND preference_type = ?`)
	res, err := ext.ExecContext(ctx, query,
		data, m.Confidence, m.Version, history, m.LastUpdated.UTC(), m.UserID, string(m.Type))
	if err != nil {
		return fmt.Errorf("failed to update preference model: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("preference model %s/%s: %w", m.UserID, m.Type, apperr.ErrNotFound)
	}
	return nil
}

// ListModels returns every model of a user ordered by type
func (s *SQLStore) ListModels(ctx context.Context, userID string) ([]*PreferenceModel, error) {
	var rows []modelRow
	query := s.db.Rebind(`SELECT id, user_id, preference_type, data, confidence, version, history, created_at, last_updated
		FROM preference_models WHERE user_id = ? ORDER BY preference_type`)
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list preference models: %w", err)
	}
	out := make([]*PreferenceModel, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendInteraction records one interaction
func (s *SQLStore) AppendInteraction(ctx context.Context, userID string, t PreferenceType, in Interaction) error {
	return appendInteraction(ctx, s.db, userID, t, in)
}

func appendInteraction(ctx context.Context, ext sqlx.ExtContext, userID string, t PreferenceType, in Interaction) error {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction data: %w", err)
	}
	ctxJSON, err := json.Marshal(in.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction context: %w", err)
	}
	query := ext.Rebind(`INSERT INTO preference_interactions
		(user_id, preference_type, occurred_at, data, confidence, context) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := ext.ExecContext(ctx, query, userID, string(t), in.Timestamp.UTC(), string(data), in.Confidence, string(ctxJSON)); err != nil {
		return fmt.Errorf("failed to append interaction: %w", err)
	}
	return nil
}

// SaveUpdate writes the model and the interaction in one transaction
func (s *SQLStore) SaveUpdate(ctx context.Context, m *PreferenceModel, created bool, in Interaction) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin preference update: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("Preference update rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if created {
		err = createModel(ctx, tx, m)
	} else {
		err = updateModel(ctx, tx, m)
	}
	if err != nil {
		return err
	}
	if err = appendInteraction(ctx, tx, m.UserID, m.Type, in); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit preference update: %w", err)
	}
	return nil
}

// ListInteractions returns interactions at or after since, oldest first. A zero since returns all.
func (s *SQLStore) ListInteractions(ctx context.Context, userID string, t PreferenceType, since time.Time) ([]Interaction, error) {
	var rows []interactionRow
	query := s.db.Rebind(`SELECT occurred_at, data, confidence, context FROM preference_interactions
		WHERE user_id = ? AND preference_type = ? AND occurred_at >= ?
		ORDER BY occurred_at, id`)
	if err := s.db.SelectContext(ctx, &rows, query, userID, string(t), since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	out := make([]Interaction, 0, len(rows))
	for _, r := range rows {
		in := Interaction{Timestamp: r.OccurredAt.UTC(), Confidence: r.Confidence}
		if err := json.Unmarshal([]byte(r.Data), &in.Data); err != nil {
			return nil, fmt.Errorf("failed to decode interaction data: %w", err)
		}
		if err := json.Unmarshal([]byte(r.Context), &in.Context); err != nil {
			return nil, fmt.Errorf("failed to decode interaction context: %w", err)
		}
		out = append(out, in)
	}
	return out, nil
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu           sync.RWMutex
	models       map[string]*PreferenceModel
	interactions map[string][]Interaction
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:       make(map[string]*PreferenceModel),
		interactions: make(map[string][]Interaction),
	}
}

func memKey(userID string, t PreferenceType) string { return userID + "\x00" + string(t) }

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) CreateModel(_ context.Context, m *PreferenceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(m.UserID, m.Type)
	if _, ok := s.models[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, m.UserID, m.Type)
	}
	s.models[k] = m.clone()
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, userID string, t PreferenceType) (*PreferenceModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[memKey(userID, t)]
	if !ok {
		return nil, fmt.Errorf("preference model %s/%s: %w", userID, t, apperr.ErrNotFound)
	}
	return m.clone(), nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *PreferenceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(m.UserID, m.Type)
	if _, ok := s.models[k]; !ok {
		return fmt.Errorf("preference model %s/%s: %w", m.UserID, m.Type, apperr.ErrNotFound)
	}
	s.models[k] = m.clone()
	return nil
}

func (s *MemoryStore) ListModels(_ context.Context, userID string) ([]*PreferenceModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PreferenceModel
	for _, m := range s.models {
		if m.UserID == userID {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *MemoryStore) AppendInteraction(_ context.Context, userID string, t PreferenceType, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(userID, t)
	in.Data = in.Data.Clone()
	in.Context = copyStrings(in.Context)
	s.interactions[k] = append(s.interactions[k], in)
	return nil
}

func (s *MemoryStore) SaveUpdate(_ context.Context, m *PreferenceModel, created bool, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(m.UserID, m.Type)
	_, exists := s.models[k]
	switch {
	case created && exists:
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, m.UserID, m.Type)
	case !created && !exists:
		return fmt.Errorf("preference model %s/%s: %w", m.UserID, m.Type, apperr.ErrNotFound)
	}
	s.models[k] = m.clone()
	in.Data = in.Data.Clone()
	in.Context = copyStrings(in.Context)
	s.interactions[k] = append(s.interactions[k], in)
	return nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, userID string, t PreferenceType, since time.Time) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Interaction
	for _, in := range s.interactions[memKey(userID, t)] {
		if !since.IsZero() && in.Timestamp.Before(since) {
			continue
		}
		in.Data = in.Data.Clone()
		out = append(out, in)
	}
	return out, nil
}
