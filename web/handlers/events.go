// Package handlers provides the HTTP handlers and middleware of the fanout
// service.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// maxEventBody bounds the size of a submitted event.
const maxEventBody = 1 << 20

// Submitter accepts raw event submissions.
type Submitter interface {
	SubmitJSON(ctx context.Context, body []byte) (*types.Envelope, error)
}

// RecordReader looks up persisted records.
type RecordReader interface {
	Get(ctx context.Context, companyID, eventID string) (*types.Record, error)
}

// EventHandlers serves event submission and record lookup.
type EventHandlers struct {
	gateway Submitter
	records RecordReader
	logger  *slog.Logger
}

// NewEventHandlers creates event handlers. records may be nil, in which case
// lookups answer 404.
func NewEventHandlers(gateway Submitter, records RecordReader, logger *slog.Logger) *EventHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandlers{gateway: gateway, records: records, logger: logging.WithComponent(logger, "http")}
}

// Submit handles POST /events. Validation failures answer 400 with a
// plain-text reason; a bus failure answers 500.
func (h *EventHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondText(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondText(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	env, err := h.gateway.SubmitJSON(r.Context(), body)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, SubmitResponse{EventID: env.EventID})
	case types.IsValidation(err):
		respondText(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("event submission failed", "error", err)
		respondText(w, http.StatusInternalServerError, "failed to publish event")
	}
}

// GetRecord handles GET /events/{companyId}/{eventId}.
func (h *EventHandlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	companyID := r.PathValue("companyId")
	eventID := r.PathValue("eventId")
	if companyID == "" || eventID == "" {
		respondError(w, http.StatusBadRequest, "companyId and eventId are required", nil)
		return
	}
	if h.records == nil {
		respondError(w, http.StatusNotFound, "record not found", nil)
		return
	}

	rec, err := h.records.Get(r.Context(), companyID, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "record not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("record lookup failed", "company_id", companyID, "event_id", eventID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load record", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
