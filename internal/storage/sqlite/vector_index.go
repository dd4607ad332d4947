package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// VectorIndex implements storage.VectorIndex using SQLite. Vectors are
// stored as little-endian float32 blobs and ranked in Go.
type VectorIndex struct {
	db         *sql.DB
	collection string
	dimension  int
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

func vectorMigrations(collection string) []storage.Migration {
	return []storage.Migration{
		{
			Version: 1,
			Name:    "create_" + collection,
			Up: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %[1]s (
					id         TEXT PRIMARY KEY,
					company_id TEXT NOT NULL DEFAULT '',
					user_id    TEXT NOT NULL DEFAULT '',
					dimension  INTEGER NOT NULL,
					vector     BLOB NOT NULL,
					payload    TEXT NOT NULL DEFAULT '{}',
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_%[1]s_company ON %[1]s (company_id);
			`, collection),
		},
	}
}

// NewVectorIndex opens the database at dsn and migrates the collection table.
func NewVectorIndex(ctx context.Context, dsn, collection string, dimension int) (*VectorIndex, error) {
	if err := storage.ValidateIdentifier(collection); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}

	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	mgr, err := storage.NewMigrationManager(db, storage.DialectSQLite, collection+"_schema_migrations", vectorMigrations(collection))
	if err == nil {
		err = mgr.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to migrate %s: %w", collection, err)
	}

	return &VectorIndex{db: db, collection: collection, dimension: dimension}, nil
}

// Upsert writes all points in one transaction.
func (v *VectorIndex) Upsert(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("%w: point ID is required", storage.ErrInvalidInput)
		}
		if err := storage.CheckDimension(p.Vector, v.dimension); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, company_id, user_id, dimension, vector, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			user_id = excluded.user_id,
			dimension = excluded.dimension,
			vector = excluded.vector,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, v.collection))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Payload.CompanyID, p.Payload.UserID,
			len(p.Vector), storage.EncodeVector(p.Vector), string(payload)); err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Get returns the point with the given ID or storage.ErrNotFound.
func (v *VectorIndex) Get(ctx context.Context, id string) (*types.Point, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: point ID is required", storage.ErrInvalidInput)
	}

	row := v.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, vector, payload FROM %s WHERE id = ?", v.collection), id)
	p, err := scanPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get point: %w", err)
	}
	return p, nil
}

// Search ranks every candidate point by cosine similarity to vector.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, opts storage.SearchOptions) ([]storage.ScoredPoint, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidInput)
	}
	if err := storage.CheckDimension(vector, v.dimension); err != nil {
		return nil, err
	}

	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, vector, payload FROM %s
		WHERE (? = '' OR company_id = ?) AND (? = '' OR user_id != ?)
	`, v.collection), opts.CompanyID, opts.CompanyID, opts.ExcludeUserID, opts.ExcludeUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := []storage.ScoredPoint{}
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		hits = append(hits, storage.ScoredPoint{Point: *p, Score: storage.CosineSimilarity(vector, p.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating points: %w", err)
	}

	storage.SortHits(hits)
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// Count returns the number of points in the collection.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", v.collection)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return n, nil
}

// Dimension returns the fixed vector dimension.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Close closes the database.
func (v *VectorIndex) Close() error {
	return v.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (*types.Point, error) {
	var (
		p       types.Point
		blob    []byte
		payload string
	)
	if err := row.Scan(&p.ID, &blob, &payload); err != nil {
		return nil, err
	}
	vec, err := storage.DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	p.Vector = vec
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	p.Payload.Normalize()
	return &p, nil
}
