package learning

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/preferences"
)

const (
	// MaxBatchUpdates caps one batch-update request
	MaxBatchUpdates = 100
	// DefaultUpdateConfidence applies when a request omits confidence_score
	DefaultUpdateConfidence = 0.5

	maxBodyBytes = 1 << 20
)

// UpdateRequest is one preference expression in an update or batch-update body
type UpdateRequest struct {
	Type       preferences.PreferenceType `json:"preference_type"`
	Data       preferences.Data           `json:"preference_data"`
	Confidence *float64                   `json:"confidence_score,omitempty"`
	Context    map[string]string          `json:"context,omitempty"`
}

func (r UpdateRequest) confidence() float64 {
	if r.Confidence == nil {
		return DefaultUpdateConfidence
	}
	return *r.Confidence
}

func (r UpdateRequest) validate() error {
	if _, err := preferences.ParseType(string(r.Type)); err != nil {
		return err
	}
	if r.Data == nil {
		return apperr.NewValidation("preference_data", "required")
	}
	if c := r.confidence(); math.IsNaN(c) || c < 0 || c > 1 {
		return apperr.NewValidation("confidence_score", "must be within [0,1], got %v", c)
	}
	return nil
}

// HTTPHandler serves preference reads and updates on the admin mux
type HTTPHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler creates a handler for service
func NewHTTPHandler(service *Service, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{service: service, logger: logger}
}

// RegisterRoutes registers the preference endpoints on mux:
//
//	GET  /preferences/{user_id}
//	POST /preferences/{user_id}/update
//	POST /preferences/{user_id}/batch-update
//	POST /preferences/similarity
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /preferences/{user_id}", h.handleGet)
	mux.HandleFunc("POST /preferences/similarity", h.handleSimilarity)
	mux.HandleFunc("POST /preferences/{user_id}/update", h.handleUpdate)
	mux.HandleFunc("POST /preferences/{user_id}/batch-update", h.handleBatchUpdate)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	prefs, err := h.service.prefs.Preferences(r.Context(), userID)
	if err != nil {
		h.writeError(w, userID, "get_preferences", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"preferences": prefs,
	})
}

func (h *HTTPHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	var req UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, userID, "update_preference", err)
		return
	}
	res, err := h.service.UpdatePreference(r.Context(), userID, req.Type, req.Data, req.confidence(), req.Context)
	if err != nil {
		h.writeError(w, userID, "update_preference", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"user_id":       userID,
		"update_result": res,
	})
}

// handleBatchUpdate validates every entry before applying any of them, then
// applies them in order
func (h *HTTPHandler) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	var reqs []UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&reqs); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return
	}
	if len(reqs) > MaxBatchUpdates {
		h.writeError(w, userID, "batch_update",
			apperr.NewValidation("updates", "batch of %d exceeds maximum of %d", len(reqs), MaxBatchUpdates))
		return
	}
	for i, req := range reqs {
		if err := req.validate(); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error(), "index": i})
			return
		}
	}

	results := make([]preferences.UpdateResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := h.service.UpdatePreference(r.Context(), userID, req.Type, req.Data, req.confidence(), req.Context)
		if err != nil {
			h.logger.Error("Batch preference update failed",
				zap.String("user_id", userID), zap.Int("applied", len(results)), zap.Error(err))
			h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":             "internal error",
				"updates_processed": len(results),
			})
			return
		}
		results = append(results, res)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "success",
		"user_id":           userID,
		"updates_processed": len(results),
		"results":           results,
	})
}

// SimilarityRequest compares two feature patterns under per-feature weights
type SimilarityRequest struct {
	PatternA Pattern            `json:"pattern_a"`
	PatternB Pattern            `json:"pattern_b"`
	Weights  map[string]float64 `json:"weights"`
}

func (h *HTTPHandler) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var req SimilarityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return
	}
	sim, err := h.service.CalculatePreferenceSimilarity(r.Context(), req.PatternA, req.PatternB, req.Weights)
	if err != nil {
		h.writeError(w, "", "preference_similarity", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"similarity": sim})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, userID, op string, err error) {
	if apperr.IsValidation(err) || errors.Is(err, apperr.ErrUnsupportedType) {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	h.logger.Error("Preference request failed",
		zap.String("user_id", userID), zap.String("operation", op), zap.Error(err))
	h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
