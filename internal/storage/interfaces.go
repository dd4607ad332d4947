// Package storage defines the two sinks of the pipeline and their shared
// types. Backends live in sub-packages: sqlite for local development,
// postgres (with pgvector) and qdrant for deployment.
//
// Both interfaces are idempotent on their keys so that at-least-once
// delivery never produces duplicates.
package storage

import (
	"context"

	"github.com/scrypster/fanout/pkg/types"
)

// RecordStore persists one row per event, keyed by (CompanyID, EventID).
type RecordStore interface {
	// Put inserts or overwrites the record with the same key. Replaying the
	// same record leaves exactly one row.
	Put(ctx context.Context, record *types.Record) error

	// Get returns the record for (companyID, eventID).
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, companyID, eventID string) (*types.Record, error)

	// ListByUser returns the user's records, most recent timestamp first.
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]types.Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying connection pool.
	Close() error
}

// VectorIndex stores one point per event ID in a single collection of fixed
// dimension and answers nearest-neighbour queries by cosine similarity.
type VectorIndex interface {
	// Upsert writes all points and returns once they are durable. A point
	// with an existing ID replaces it. Every vector must match Dimension.
	Upsert(ctx context.Context, points []types.Point) error

	// Get returns the point with the given ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Point, error)

	// Search returns up to opts.Limit points ordered by descending score.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]ScoredPoint, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context) (int, error)

	// Dimension returns the fixed vector dimension of the collection.
	Dimension() int

	// Close releases resources held by the index.
	Close() error
}
