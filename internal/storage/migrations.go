package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier rejects table and collection names that are unsafe to
// interpolate into SQL.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid identifier %q", ErrInvalidInput, name)
	}
	return nil
}

// Migration is one forward schema step. Up may hold several statements when
// the driver accepts them in one Exec.
type Migration struct {
	Version uint
	Name    string
	Up      string
}

// Dialect selects the bind-parameter style for the tracking table.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// MigrationManager applies versioned schema migrations, tracking applied
// versions in a per-store table so that record and vector schemas sharing
// one database advance independently.
type MigrationManager struct {
	db         *sql.DB
	dialect    Dialect
	table      string
	migrations []Migration
}

// NewMigrationManager creates a manager recording progress in table.
func NewMigrationManager(db *sql.DB, dialect Dialect, table string, migrations []Migration) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if err := ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("migrations: duplicate version %d", sorted[i].Version)
		}
	}

	return &MigrationManager{db: db, dialect: dialect, table: table, migrations: sorted}, nil
}

// ensureSchemaTable creates the tracking table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable(ctx context.Context) error {
	_, err := mgr.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, mgr.table))
	return err
}

// Up applies all pending migrations in ascending version order.
// Returns nil if already up-to-date.
func (mgr *MigrationManager) Up(ctx context.Context) error {
	if err := mgr.ensureSchemaTable(ctx); err != nil {
		return fmt.Errorf("migrations: failed to create %s: %w", mgr.table, err)
	}

	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return err
	}

	insert := fmt.Sprintf("INSERT INTO %s (version) VALUES (?)", mgr.table)
	if mgr.dialect == DialectPostgres {
		insert = fmt.Sprintf("INSERT INTO %s (version) VALUES ($1)", mgr.table)
	}

	for _, m := range mgr.migrations {
		if m.Version <= current {
			continue
		}

		tx, err := mgr.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrations: failed to begin version %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, insert, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrations: failed to record version %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrations: failed to commit version %d: %w", m.Version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", mgr.table)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}
