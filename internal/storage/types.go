package storage

import (
	"errors"

	"github.com/scrypster/fanout/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// ListOptions filters record listings.
type ListOptions struct {
	// CompanyID restricts results to one company. Empty means all companies.
	CompanyID string

	// Limit is the maximum number of records returned (default: 20, max: 1000).
	Limit int
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
}

// SearchOptions filters nearest-neighbour queries.
type SearchOptions struct {
	// Limit is the number of hits to return. Must be positive.
	Limit int

	// CompanyID restricts hits to one company. Empty means all companies.
	CompanyID string

	// ExcludeUserID drops hits produced by this user.
	ExcludeUserID string
}

// ScoredPoint is a search hit. Score is cosine similarity in [-1, 1].
type ScoredPoint struct {
	Point types.Point
	Score float64
}
