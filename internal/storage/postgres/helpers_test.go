package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the record table.
func (s *RecordStore) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", s.table)); err != nil {
		return fmt.Errorf("postgres: failed to truncate %s: %w", s.table, err)
	}
	return nil
}

// TruncateForTest removes all points from the collection.
func (v *VectorIndex) TruncateForTest(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", v.collection)); err != nil {
		return fmt.Errorf("postgres: failed to truncate %s: %w", v.collection, err)
	}
	return nil
}
