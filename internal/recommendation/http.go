package recommendation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/apperr"
)

// HTTPHandler serves recommendations on the admin mux
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

// RegisterRoutes registers GET /recommendations on mux.
// Query: user_id, type, optional conversation_id and refresh.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/recommendations", h.handleRecommendations)
}

func (h *HTTPHandler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	userID, recType := q.Get("user_id"), q.Get("type")
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	var rc *RequestContext
	if id := q.Get("conversation_id"); id != "" {
		rc = &RequestContext{Timestamp: h.service.now(), ConversationID: id}
	}

	recs, err := h.service.GetRecommendations(r.Context(), userID, recType, rc, refresh)
	switch {
	case err == nil:
	case apperr.IsValidation(err), errors.Is(err, apperr.ErrUnsupportedType):
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	default:
		h.logger.Error("Recommendation request failed",
			zap.String("user_id", userID), zap.String("type", recType), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		return
	}
	if recs == nil {
		recs = []Recommendation{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         userID,
		"type":            recType,
		"recommendations": recs,
		"cache_hit_ratio": h.service.CacheHitRatio(),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
