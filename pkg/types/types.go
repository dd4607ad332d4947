// Package types defines the core data structures for the fanout pipeline.
// An Envelope is the unit of work published to the bus; Records and Points
// are what the two consumers derive from it, and Recommendations are built
// per query from vector index hits.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TimestampLayout is the ISO-8601 layout used for envelope timestamps
// (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the canonical shape of a domain event. Once published it is
// never mutated; consumers only derive records from it.
type Envelope struct {
	CompanyID   string                 `json:"companyId"`   // Tenant/partition key
	EventID     string                 `json:"eventId"`     // Unique within a company
	UserID      string                 `json:"userId"`      // Subject that produced the event
	EventType   string                 `json:"eventType"`   // Free-form category label
	Description string                 `json:"description"` // Never null; "" when absent
	Metadata    map[string]interface{} `json:"metadata"`    // Never null; {} when absent
	Timestamp   string                 `json:"timestamp"`   // ISO-8601
}

// Normalize fills the optional fields with their defaults so that the
// serialized form never carries nulls.
func (e *Envelope) Normalize() {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
}

// Marshal serializes the envelope as a bus message body.
func (e *Envelope) Marshal() ([]byte, error) {
	e.Normalize()
	return json.Marshal(e)
}

// ParseEnvelope decodes a bus message body. It returns a *MalformedPayloadError
// when the body is not a JSON object or lacks the identifying fields every
// consumer keys on (companyId, eventId).
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedPayloadError{Reason: "payload is not a valid envelope", Err: err}
	}
	if strings.TrimSpace(env.CompanyID) == "" {
		return nil, &MalformedPayloadError{Reason: "payload is missing companyId"}
	}
	if strings.TrimSpace(env.EventID) == "" {
		return nil, &MalformedPayloadError{Reason: "payload is missing eventId"}
	}
	env.Normalize()
	return &env, nil
}

// Record is one row in the record store, keyed by (CompanyID, EventID).
// Metadata is kept as the serialized JSON blob.
type Record struct {
	CompanyID   string `json:"companyId"`
	EventID     string `json:"eventId"`
	UserID      string `json:"userId"`
	EventType   string `json:"eventType"`
	Description string `json:"description"`
	Metadata    string `json:"metadata"`
	Timestamp   string `json:"timestamp"`
}

// NewRecord derives the record row for an envelope.
func NewRecord(env *Envelope) (*Record, error) {
	meta := env.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return &Record{
		CompanyID:   env.CompanyID,
		EventID:     env.EventID,
		UserID:      env.UserID,
		EventType:   env.EventType,
		Description: env.Description,
		Metadata:    string(metaJSON),
		Timestamp:   env.Timestamp,
	}, nil
}

// Point is a vector index entry keyed by event ID. The payload is the full
// envelope so that search hits can be returned without a record lookup.
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Envelope  `json:"payload"`
}

// Recommendation is a single ranked result. It is derived per query and
// never stored.
type Recommendation struct {
	EventID    string   `json:"eventId"`
	Score      float64  `json:"score"`      // Raw similarity, higher is closer
	Confidence float64  `json:"confidence"` // Bounded to [0, 1]
	Payload    Envelope `json:"payload"`
}
