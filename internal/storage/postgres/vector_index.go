package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// VectorIndex implements storage.VectorIndex with the pgvector extension.
// Nearest-neighbour queries use the cosine distance operator (<=>) backed
// by an HNSW index.
type VectorIndex struct {
	db         *sql.DB
	collection string
	dimension  int
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

func vectorMigrations(collection string, dimension int) []storage.Migration {
	return []storage.Migration{
		{
			Version: 1,
			Name:    "create_" + collection,
			Up: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %[1]s (
					id         TEXT PRIMARY KEY,
					company_id TEXT NOT NULL DEFAULT '',
					user_id    TEXT NOT NULL DEFAULT '',
					embedding  vector(%[2]d) NOT NULL,
					payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_%[1]s_company ON %[1]s (company_id);
				CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding ON %[1]s USING hnsw (embedding vector_cosine_ops);
			`, collection, dimension),
		},
	}
}

// NewVectorIndex connects to dsn, enables pgvector and migrates the
// collection table. Unlike the record store, the extension is required.
func NewVectorIndex(ctx context.Context, dsn, collection string, dimension int) (*VectorIndex, error) {
	if err := storage.ValidateIdentifier(collection); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}

	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: pgvector extension not available: %w", err)
	}

	mgr, err := storage.NewMigrationManager(db, storage.DialectPostgres, collection+"_schema_migrations", vectorMigrations(collection, dimension))
	if err == nil {
		err = mgr.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to migrate %s: %w", collection, err)
	}

	return &VectorIndex{db: db, collection: collection, dimension: dimension}, nil
}

// Upsert writes all points in one transaction; commit makes them durable.
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
		return fmt.Errorf("postgres: failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, company_id, user_id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			user_id = EXCLUDED.user_id,
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`, v.collection))
	if err != nil {
		return fmt.Errorf("postgres: failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Payload.CompanyID, p.Payload.UserID,
			pgvector.NewVector(p.Vector), string(payload)); err != nil {
			return fmt.Errorf("postgres: failed to upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit upsert: %w", err)
	}
	return nil
}

// Get returns the point with the given ID or storage.ErrNotFound.
func (v *VectorIndex) Get(ctx context.Context, id string) (*types.Point, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: point ID is required", storage.ErrInvalidInput)
	}

	var (
		p       types.Point
		vec     pgvector.Vector
		payload []byte
	)
	err := v.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, embedding, payload FROM %s WHERE id = $1", v.collection), id,
	).Scan(&p.ID, &vec, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get point: %w", err)
	}

	p.Vector = vec.Slice()
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal payload: %w", err)
	}
	p.Payload.Normalize()
	return &p, nil
}

// Search returns the nearest points by cosine distance. Score is
// 1 - distance, i.e. cosine similarity.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, opts storage.SearchOptions) ([]storage.ScoredPoint, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidInput)
	}
	if err := storage.CheckDimension(vector, v.dimension); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, embedding, payload, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		WHERE ($2 = '' OR company_id = $2) AND ($3 = '' OR user_id <> $3)
		ORDER BY embedding <=> $1::vector, id ASC
		LIMIT $4
	`, v.collection)

	rows, err := v.db.QueryContext(ctx, query, pgvector.NewVector(vector), opts.CompanyID, opts.ExcludeUserID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := []storage.ScoredPoint{}
	for rows.Next() {
		var (
			hit     storage.ScoredPoint
			vec     pgvector.Vector
			payload []byte
		)
		if err := rows.Scan(&hit.Point.ID, &vec, &payload, &hit.Score); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan hit: %w", err)
		}
		hit.Point.Vector = vec.Slice()
		if err := json.Unmarshal(payload, &hit.Point.Payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal payload: %w", err)
		}
		hit.Point.Payload.Normalize()
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating hits: %w", err)
	}

	// Equal scores break ties by ID.
	storage.SortHits(hits)
	return hits, nil
}

// Count returns the number of points in the collection.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", v.collection)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count points: %w", err)
	}
	return n, nil
}

// Dimension returns the fixed vector dimension.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Close closes the connection pool.
func (v *VectorIndex) Close() error {
	return v.db.Close()
}
