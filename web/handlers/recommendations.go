package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/recommend"
	"github.com/scrypster/fanout/pkg/types"
)

// Recommender ranks events for a subject.
type Recommender interface {
	Recommend(ctx context.Context, q recommend.Query) ([]types.Recommendation, error)
	Limits() recommend.Limits
}

// RecommendationHandler serves GET /recommendations.
type RecommendationHandler struct {
	service Recommender
	logger  *slog.Logger
}

// NewRecommendationHandler creates a recommendation handler.
func NewRecommendationHandler(service Recommender, logger *slog.Logger) *RecommendationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecommendationHandler{service: service, logger: logging.WithComponent(logger, "http")}
}

// ServeHTTP handles GET /recommendations?user_id=&limit=&company_id=.
func (h *RecommendationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	limit := h.service.Limits().Parse(query.Get("limit"))

	recs, err := h.service.Recommend(r.Context(), recommend.Query{
		SubjectID: userID,
		Limit:     limit,
		CompanyID: strings.TrimSpace(query.Get("company_id")),
	})
	switch {
	case err == nil:
	case types.IsSubjectNotFound(err):
		respondError(w, http.StatusNotFound, "no activity found for user", err)
		return
	case types.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	default:
		h.logger.Error("recommendation failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to compute recommendations", err)
		return
	}

	if recs == nil {
		recs = []types.Recommendation{}
	}
	respondJSON(w, http.StatusOK, RecommendationsResponse{
		UserID:          userID,
		Limit:           limit,
		Count:           len(recs),
		Recommendations: recs,
	})
}
