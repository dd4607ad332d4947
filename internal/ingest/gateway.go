// Package ingest validates submitted events, completes them into canonical
// envelopes and publishes each accepted envelope to the bus exactly once.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/pkg/types"
)

// EventIDPrefix prefixes generated event IDs.
const EventIDPrefix = "evt_"

// Publisher is the part of the bus the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// Gateway is the ingestion entry point.
type Gateway struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	now   func() time.Time
	newID func() string
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the time source used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator replaces the event ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) { g.newID = newID }
}

// NewGateway creates a gateway publishing to p.
func NewGateway(p Publisher, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Gateway {
	g := &Gateway{
		publisher: p,
		logger:    logging.WithComponent(logger, "ingest"),
		metrics:   m,
		now:       time.Now,
		newID:     NewEventID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewEventID returns "evt_" followed by a UUIDv7, which is ordered by
// creation time and carries random bits to avoid collisions.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return EventIDPrefix + uuid.NewString()
	}
	return EventIDPrefix + id.String()
}

// SubmitJSON decodes a JSON object and submits it.
func (g *Gateway) SubmitJSON(ctx context.Context, body []byte) (*types.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		g.metrics.IngestOutcome("rejected")
		return nil, &types.ValidationError{Reason: "body must be a JSON object"}
	}
	if raw == nil {
		g.metrics.IngestOutcome("rejected")
		return nil, &types.ValidationError{Reason: "body must be a JSON object"}
	}
	return g.Submit(ctx, raw)
}

// Submit validates raw, builds the canonical envelope and publishes it.
// It returns a *types.ValidationError without publishing when raw is
// invalid, and a *types.DependencyError when the publish fails.
func (g *Gateway) Submit(ctx context.Context, raw map[string]interface{}) (*types.Envelope, error) {
	env, err := g.build(raw)
	if err != nil {
		g.metrics.IngestOutcome("rejected")
		g.logger.Debug("submission rejected", "error", err)
		return nil, err
	}

	body, err := env.Marshal()
	if err != nil {
		g.metrics.IngestOutcome("rejected")
		return nil, &types.ValidationError{Field: "metadata", Reason: fmt.Sprintf("cannot be serialized: %v", err)}
	}

	logger := logging.WithEvent(g.logger, env.CompanyID, env.EventID)
	messageID, err := g.publisher.Publish(ctx, body)
	if err != nil {
		g.metrics.IngestOutcome("failed")
		logger.Error("publish failed", "error", err)
		return nil, types.NewDependencyError("bus", "publish", err)
	}

	g.metrics.IngestOutcome("accepted")
	logger.Info("event published", "event_type", env.EventType, "message_id", messageID)
	return env, nil
}

func (g *Gateway) build(raw map[string]interface{}) (*types.Envelope, error) {
	companyID, err := requiredString(raw, "companyId")
	if err != nil {
		return nil, err
	}
	userID, err := requiredString(raw, "userId")
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(raw, "eventType")
	if err != nil {
		return nil, err
	}

	description, err := optionalString(raw, "description")
	if err != nil {
		return nil, err
	}
	eventID, err := optionalString(raw, "eventId")
	if err != nil {
		return nil, err
	}
	timestamp, err := optionalString(raw, "timestamp")
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{}
	if v, ok := raw["metadata"]; ok && v != nil {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, &types.ValidationError{Field: "metadata", Reason: "must be an object"}
		}
		metadata = m
	}

	if strings.TrimSpace(eventID) == "" {
		eventID = g.newID()
	}

	if strings.TrimSpace(timestamp) == "" {
		timestamp = g.now().UTC().Format(types.TimestampLayout)
	} else {
		t, err := ParseTimestamp(timestamp)
		if err != nil {
			return nil, &types.ValidationError{Field: "timestamp", Reason: "must be an ISO-8601 date or date-time, e.g. 2024-01-02T15:04:05Z"}
		}
		timestamp = t.UTC().Format(types.TimestampLayout)
	}

	return &types.Envelope{
		CompanyID:   companyID,
		EventID:     eventID,
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		Metadata:    metadata,
		Timestamp:   timestamp,
	}, nil
}

// timestampLayouts are the accepted ISO-8601 forms, extended then basic.
// Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102T150405.999999999Z0700",
	"20060102T150405.999999999",
	"20060102",
}

// ParseTimestamp parses an ISO-8601 calendar date or date-time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func requiredString(raw map[string]interface{}, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", &types.ValidationError{Field: field, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &types.ValidationError{Field: field, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &types.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func optionalString(raw map[string]interface{}, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &types.ValidationError{Field: field, Reason: "must be a string"}
	}
	return s, nil
}
