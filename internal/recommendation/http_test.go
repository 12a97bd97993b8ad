package recommendation

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPHandler(t *testing.T) {
	dyn := &stubDynamics{active: []string{"u1", "u2"}}
	svc, _ := newTestService(t, Config{MinScore: minScore(0.5)}, thaiPrefs(), &stubPredictor{confidence: 0.8}, dyn)
	targeted := cuisine("targeted", map[string]float64{"thai": 1})
	targeted.TargetUsers = []string{"u1", "u2"}
	svc.RegisterGenerator("content", &countingGenerator{candidates: []Candidate{
		cuisine("untargeted", map[string]float64{"thai": 1}),
		targeted,
	}})

	mux := http.NewServeMux()
	NewHTTPHandler(svc, zaptest.NewLogger(t)).RegisterRoutes(mux)

	t.Run("ranked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations?user_id=u1&type=content&conversation_id=c1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body struct {
			UserID          string           `json:"user_id"`
			Recommendations []Recommendation `json:"recommendations"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "u1", body.UserID)
		require.Len(t, body.Recommendations, 2)
		assert.Equal(t, "targeted", body.Recommendations[0].Item.ID)
	})

	t.Run("unsupported type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations?user_id=u1&type=location", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations?type=content", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/recommendations", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHTTPHandlerInternalError(t *testing.T) {
	svc, _ := newTestService(t, Config{}, &stubPrefs{err: errors.New("db down")}, nil, nil)
	svc.RegisterGenerator("content", &countingGenerator{})
	mux := http.NewServeMux()
	NewHTTPHandler(svc, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recommendations?user_id=u1&type=content", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}
