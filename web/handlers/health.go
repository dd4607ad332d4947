package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Detail reports an informational value that never degrades health.
type Detail func() string

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	checks  map[string]Check
	details map[string]Detail
}

// NewHealthHandler creates a health handler running checks on each request.
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks, details: map[string]Detail{}}
}

// WithDetail adds a value reported under "details" on every request.
func (h *HealthHandler) WithDetail(name string, fn Detail) *HealthHandler {
	h.details[name] = fn
	return h
}

// ServeHTTP answers 200 when every check passes and 503 otherwise.
// Details are reported but do not affect the status.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if len(h.details) > 0 {
		resp.Details = make(map[string]string, len(h.details))
		for name, fn := range h.details {
			resp.Details[name] = fn()
		}
	}
	respondJSON(w, status, resp)
}
