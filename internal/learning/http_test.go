package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/huddlechat/orchestrator/internal/preferences"
)

func newPreferenceMux(t *testing.T, svc *Service) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(svc, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return mux
}

func post(mux http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestHTTPUpdateAndGet(t *testing.T) {
	f := newFixture(t)
	mux := newPreferenceMux(t, f.svc)

	rec := post(mux, "/preferences/u1/update",
		`{"preference_type":"ai_agent","preference_data":{"agent":"planner"},"confidence_score":0.9,"context":{"group":"g1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		UserID string                   `json:"user_id"`
		Result preferences.UpdateResult `json:"update_result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.UserID)
	assert.True(t, body.Result.Created)
	assert.Equal(t, 1, body.Result.SampleCount)

	// confidence_score defaults to 0.5
	rec = post(mux, "/preferences/u1/update", `{"preference_type":"location","preference_data":{"city":"lisbon"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ins, err := f.prefs.Interactions(context.Background(), "u1", preferences.TypeLocation, f.svc.now().AddDate(-1, 0, 0))
	require.NoError(t, err)
	require.Len(t, ins, 1)

	get := httptest.NewRecorder()
	mux.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/preferences/u1", nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"planner"`)
	assert.Contains(t, get.Body.String(), `"lisbon"`)
}

func TestHTTPUpdateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	mux := newPreferenceMux(t, f.svc)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"preference_type":`},
		{name: "unsupported type", body: `{"preference_type":"music","preference_data":{}}`},
		{name: "missing data", body: `{"preference_type":"content"}`},
		{name: "confidence out of range", body: `{"preference_type":"content","preference_data":{},"confidence_score":1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(mux, "/preferences/u1/update", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preferences/u1/update", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	prefs, err := f.prefs.Preferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestHTTPBatchUpdateLearns(t *testing.T) {
	f := newFixture(t)
	mux := newPreferenceMux(t, f.svc)

	entries := make([]string, preferences.MinSamples)
	for i := range entries {
		entries[i] = `{"preference_type":"content","preference_data":{"cuisine":"thai"},"confidence_score":0.8}`
	}
	rec := post(mux, "/preferences/u1/batch-update", "["+strings.Join(entries, ",")+"]")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Processed int                        `json:"updates_processed"`
		Results   []preferences.UpdateResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, preferences.MinSamples, body.Processed)
	require.Len(t, body.Results, preferences.MinSamples)
	assert.NotNil(t, body.Results[preferences.MinSamples-1].Analysis)
	assert.True(t, f.mr.Exists("pref_learn_u1:content"))
}

func TestHTTPBatchUpdateValidatesFirst(t *testing.T) {
	f := newFixture(t)
	mux := newPreferenceMux(t, f.svc)

	rec := post(mux, "/preferences/u1/batch-update", `[
		{"preference_type":"content","preference_data":{"cuisine":"thai"}},
		{"preference_type":"music","preference_data":{}}
	]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"index":1`)

	prefs, err := f.prefs.Preferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, prefs, "nothing is applied when any entry is invalid")

	tooMany := make([]string, MaxBatchUpdates+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf(`{"preference_type":"location","preference_data":{"n":%d}}`, i)
	}
	rec = post(mux, "/preferences/u1/batch-update", "["+strings.Join(tooMany, ",")+"]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// brokenStore fails every read
type brokenStore struct {
	*preferences.MemoryStore
}

func (brokenStore) ListModels(context.Context, string) ([]*preferences.PreferenceModel, error) {
	return nil, errors.New("db down")
}

func TestHTTPStoreFailureIsInternal(t *testing.T) {
	prefs := preferences.NewManager(brokenStore{preferences.NewMemoryStore()}, preferences.ManagerConfig{}, zaptest.NewLogger(t))
	svc := NewService(Config{}, prefs, nil, zaptest.NewLogger(t))
	mux := newPreferenceMux(t, svc)

	rec := post(mux, "/preferences/u1/update", `{"preference_type":"location","preference_data":{"city":"lisbon"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHTTPSimilarity(t *testing.T) {
	f := newFixture(t)
	mux := newPreferenceMux(t, f.svc)

	rec := post(mux, "/preferences/similarity",
		`{"pattern_a":{"spicy":1,"confidence":0.8},"pattern_b":{"spicy":2,"confidence":0.6},"weights":{"spicy":1}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Similarity float64 `json:"similarity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 0.6, body.Similarity, 1e-9)

	rec = post(mux, "/preferences/similarity", `{"pattern_a":{},"pattern_b":{"spicy":1},"weights":{"spicy":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(mux, "/preferences/similarity", `{"pattern_a":{"spicy":1},"pattern_b":{"spicy":1},"weights":{"spicy":-1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
