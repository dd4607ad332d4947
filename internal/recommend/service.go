// Package recommend answers "what is similar to this user's recent
// activity" queries against the vector index.
package recommend

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// Query is one recommendation request.
type Query struct {
	SubjectID string
	Limit     int
	CompanyID string // optional tenant filter
}

// Options configure a Service.
type Options struct {
	Limits     Limits
	ExcludeOwn bool // drop hits produced by the subject
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Service ranks indexed events by similarity to a subject vector.
type Service struct {
	index    storage.VectorIndex
	resolver SubjectResolver
	limits   Limits
	exclude  bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewService creates a recommendation service.
func NewService(index storage.VectorIndex, resolver SubjectResolver, opts Options) *Service {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	return &Service{
		index:    index,
		resolver: resolver,
		limits:   opts.Limits,
		exclude:  opts.ExcludeOwn,
		logger:   logging.WithComponent(opts.Logger, "recommend"),
		metrics:  opts.Metrics,
	}
}

// Limits returns the bounds used to normalize query limits.
func (s *Service) Limits() Limits { return s.limits }

// Recommend returns up to q.Limit recommendations ordered by descending
// score, ties broken by ascending event ID. Every result carries a
// confidence in [0, 1].
func (s *Service) Recommend(ctx context.Context, q Query) ([]types.Recommendation, error) {
	start := time.Now()
	if q.SubjectID == "" {
		s.metrics.Recommendation("invalid", time.Since(start))
		return nil, &types.ValidationError{Field: "user_id", Reason: "is required"}
	}
	q.Limit = s.limits.Normalize(q.Limit)

	vector, err := s.resolver.Resolve(ctx, q)
	if err != nil {
		outcome := "error"
		if types.IsSubjectNotFound(err) {
			outcome = "not_found"
		}
		s.metrics.Recommendation(outcome, time.Since(start))
		s.logger.Debug("subject vector unavailable", "user_id", q.SubjectID, "error", err)
		return nil, err
	}

	opts := storage.SearchOptions{Limit: q.Limit, CompanyID: q.CompanyID}
	if s.exclude {
		opts.ExcludeUserID = q.SubjectID
	}
	hits, err := s.index.Search(ctx, vector, opts)
	if err != nil {
		s.metrics.Recommendation("error", time.Since(start))
		s.logger.Error("vector search failed", "user_id", q.SubjectID, "error", err)
		return nil, types.NewDependencyError("vector_index", "search", err)
	}

	recs := make([]types.Recommendation, 0, len(hits))
	for _, h := range hits {
		recs = append(recs, types.Recommendation{
			EventID:    h.Point.ID,
			Score:      h.Score,
			Confidence: Confidence(h.Score),
			Payload:    h.Point.Payload,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].EventID < recs[j].EventID
	})
	if len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}

	s.metrics.Recommendation("ok", time.Since(start))
	s.logger.Debug("recommendations served", "user_id", q.SubjectID, "count", len(recs))
	return recs, nil
}

// Confidence maps a cosine similarity in [-1, 1] onto [0, 1].
func Confidence(score float64) float64 {
	c := (score + 1) / 2
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
