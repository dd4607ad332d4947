package handlers

import (
	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/pkg/types"
)

// ErrorResponse is the JSON error body of every non-ingest endpoint.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SubmitResponse is the response format for POST /events.
type SubmitResponse struct {
	EventID string `json:"eventId"`
}

// RecommendationsResponse is the response format for GET /recommendations.
type RecommendationsResponse struct {
	UserID          string                 `json:"userId"`
	Limit           int                    `json:"limit"`
	Count           int                    `json:"count"`
	Recommendations []types.Recommendation `json:"recommendations"`
}

// DeadLettersResponse is the response format for GET /deadletters.
type DeadLettersResponse struct {
	Count       int              `json:"count"`
	DeadLetters []bus.DeadLetter `json:"deadLetters"`
}

// HealthResponse is the response format for GET /healthz.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
