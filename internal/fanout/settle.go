// Package fanout runs independent operations concurrently and waits for all
// of them to settle. A failing operation never cancels its siblings; each
// outcome is reported at the index of the input that produced it.
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the settled result of one operation.
type Outcome[T any] struct {
	Value T
	Err   error
}

// OK reports whether the operation succeeded.
func (o Outcome[T]) OK() bool { return o.Err == nil }

// Settle applies fn to every item with at most limit operations in flight
// and returns one Outcome per item, in input order. limit <= 0 means
// unbounded. A panic inside fn is converted into that item's error.
func Settle[I, T any](ctx context.Context, limit int, items []I, fn func(ctx context.Context, item I) (T, error)) []Outcome[T] {
	outcomes := make([]Outcome[T], len(items))
	if len(items) == 0 {
		return outcomes
	}

	// errgroup.Group (not WithContext) so one failure does not cancel the rest.
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].Err = fmt.Errorf("fanout: operation panicked: %v", r)
				}
			}()
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			v, err := fn(ctx, item)
			outcomes[i] = Outcome[T]{Value: v, Err: err}
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// Failed returns the indexes of outcomes that carry an error.
func Failed[T any](outcomes []Outcome[T]) []int {
	var idx []int
	for i, o := range outcomes {
		if o.Err != nil {
			idx = append(idx, i)
		}
	}
	return idx
}
