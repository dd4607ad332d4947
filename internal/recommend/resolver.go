package recommend

import (
	"context"
	"errors"
	"math"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// DefaultHistoryLimit is the number of recent events averaged into a
// subject vector.
const DefaultHistoryLimit = 20

// SubjectResolver derives the query vector for a recommendation subject.
// It returns a *types.SubjectNotFoundError when no vector can be derived.
type SubjectResolver interface {
	Resolve(ctx context.Context, q Query) ([]float32, error)
}

// HistoryResolver builds the subject vector as the normalized centroid of the
// vectors of the subject's most recent events.
type HistoryResolver struct {
	records storage.RecordStore
	index   storage.VectorIndex
	limit   int
}

// NewHistoryResolver creates a resolver reading at most limit recent events.
func NewHistoryResolver(records storage.RecordStore, index storage.VectorIndex, limit int) *HistoryResolver {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryResolver{records: records, index: index, limit: limit}
}

// Resolve implements SubjectResolver.
func (r *HistoryResolver) Resolve(ctx context.Context, q Query) ([]float32, error) {
	history, err := r.records.ListByUser(ctx, q.SubjectID, storage.ListOptions{
		CompanyID: q.CompanyID,
		Limit:     r.limit,
	})
	if err != nil {
		return nil, types.NewDependencyError("record_store", "list", err)
	}
	if len(history) == 0 {
		return nil, &types.SubjectNotFoundError{SubjectID: q.SubjectID, Reason: "no events recorded"}
	}

	dim := r.index.Dimension()
	sum := make([]float64, dim)
	found := 0
	for _, rec := range history {
		p, err := r.index.Get(ctx, rec.EventID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, types.NewDependencyError("vector_index", "get", err)
		}
		if len(p.Vector) != dim {
			continue
		}
		for i, x := range p.Vector {
			sum[i] += float64(x)
		}
		found++
	}
	if found == 0 {
		return nil, &types.SubjectNotFoundError{SubjectID: q.SubjectID, Reason: "no indexed events"}
	}

	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	if norm == 0 {
		return nil, &types.SubjectNotFoundError{SubjectID: q.SubjectID, Reason: "events cancel out"}
	}
	norm = math.Sqrt(norm)

	v := make([]float32, dim)
	for i, x := range sum {
		v[i] = float32(x / norm)
	}
	return v, nil
}
