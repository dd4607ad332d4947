package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/logging"
)

// DeadLetterSource lists dead letters per subscriber.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, subscriber string) ([]bus.DeadLetter, error)
}

// DeadLetterHandler serves GET /deadletters.
type DeadLetterHandler struct {
	source      DeadLetterSource
	subscribers []string
	logger      *slog.Logger
}

// NewDeadLetterHandler creates a handler listing dead letters of the given
// subscribers.
func NewDeadLetterHandler(source DeadLetterSource, subscribers []string, logger *slog.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterHandler{source: source, subscribers: subscribers, logger: logging.WithComponent(logger, "http")}
}

// ServeHTTP lists the dead letters of ?subscriber=, or of every subscriber
// when the parameter is absent. An unknown subscriber answers 404.
func (h *DeadLetterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names := h.subscribers
	if sub := r.URL.Query().Get("subscriber"); sub != "" {
		names = []string{sub}
	}

	all := []bus.DeadLetter{}
	for _, name := range names {
		letters, err := h.source.DeadLetters(r.Context(), name)
		if errors.Is(err, bus.ErrUnknownSubscriber) {
			respondError(w, http.StatusNotFound, "unknown subscriber", nil)
			return
		}
		if err != nil {
			h.logger.Error("dead letter listing failed", "subscriber", name, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to list dead letters", err)
			return
		}
		all = append(all, letters...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].DeadAt.Before(all[j].DeadAt) })
	respondJSON(w, http.StatusOK, DeadLettersResponse{Count: len(all), DeadLetters: all})
}
