package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// RecordStore implements storage.RecordStore using SQLite.
type RecordStore struct {
	db    *sql.DB
	table string
}

var _ storage.RecordStore = (*RecordStore)(nil)

func recordMigrations(table string) []storage.Migration {
	return []storage.Migration{
		{
			Version: 1,
			Name:    "create_" + table,
			Up: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %[1]s (
					company_id  TEXT NOT NULL,
					event_id    TEXT NOT NULL,
					user_id     TEXT NOT NULL DEFAULT '',
					event_type  TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					metadata    TEXT NOT NULL DEFAULT '{}',
					timestamp   TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (company_id, event_id)
				);
				CREATE INDEX IF NOT EXISTS idx_%[1]s_user_ts ON %[1]s (user_id, timestamp DESC);
			`, table),
		},
	}
}

// NewRecordStore opens the database at dsn and migrates the record table.
func NewRecordStore(ctx context.Context, dsn, table string) (*RecordStore, error) {
	if err := storage.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	mgr, err := storage.NewMigrationManager(db, storage.DialectSQLite, table+"_schema_migrations", recordMigrations(table))
	if err == nil {
		err = mgr.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to migrate %s: %w", table, err)
	}

	return &RecordStore{db: db, table: table}, nil
}

// Put upserts the record keyed by (CompanyID, EventID).
func (s *RecordStore) Put(ctx context.Context, r *types.Record) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if r.CompanyID == "" || r.EventID == "" {
		return fmt.Errorf("%w: company ID and event ID are required", storage.ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (company_id, event_id, user_id, event_type, description, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, event_id) DO UPDATE SET
			user_id = excluded.user_id,
			event_type = excluded.event_type,
			description = excluded.description,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		r.CompanyID, r.EventID, r.UserID, r.EventType, r.Description, r.Metadata, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// Get returns the record for (companyID, eventID) or storage.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, companyID, eventID string) (*types.Record, error) {
	if companyID == "" || eventID == "" {
		return nil, fmt.Errorf("%w: company ID and event ID are required", storage.ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT company_id, event_id, user_id, event_type, description, metadata, timestamp
		FROM %s WHERE company_id = ? AND event_id = ?
	`, s.table)

	var r types.Record
	err := s.db.QueryRowContext(ctx, query, companyID, eventID).Scan(
		&r.CompanyID, &r.EventID, &r.UserID, &r.EventType, &r.Description, &r.Metadata, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &r, nil
}

// ListByUser returns the user's records, newest first.
func (s *RecordStore) ListByUser(ctx context.Context, userID string, opts storage.ListOptions) ([]types.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	query := fmt.Sprintf(`
		SELECT company_id, event_id, user_id, event_type, description, metadata, timestamp
		FROM %s
		WHERE user_id = ? AND (? = '' OR company_id = ?)
		ORDER BY timestamp DESC, event_id DESC
		LIMIT ?
	`, s.table)

	rows, err := s.db.QueryContext(ctx, query, userID, opts.CompanyID, opts.CompanyID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.Record{}
	for rows.Next() {
		var r types.Record
		if err := rows.Scan(&r.CompanyID, &r.EventID, &r.UserID, &r.EventType, &r.Description, &r.Metadata, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
