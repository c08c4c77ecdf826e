package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migration is one versioned schema step, discovered from a pair of
// {version}_{name}.up.sql / .down.sql files (golang-migrate naming).
type migration struct {
	version string
	upFile  string
}

// Migrator applies the SQL files under a migrations directory in version
// order, tracking progress in public.schema_migrations.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, log zerolog.Logger) *Migrator {
	return &Migrator{
		db:  db,
		dir: dir,
		log: log.With().Str("component", "migrator").Logger(),
	}
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	pending, err := m.discover()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	ran := 0
	for _, mg := range pending {
		if applied[mg.version] {
			continue
		}
		if err := m.apply(ctx, mg); err != nil {
			return err
		}
		m.log.Info().Str("file", mg.upFile).Msg("applied migration")
		ran++
	}
	if ran == 0 {
		m.log.Debug().Msg("schema up to date")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if err == sql.ErrNoRows {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
	err = m.inTx(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Version reports the highest applied migration version, or "" when the
// schema is empty.
func (m *Migrator) Version(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	var v string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// apply runs one up-migration and records it, both inside one transaction.
func (m *Migrator) apply(ctx context.Context, mg migration) error {
	return m.inTx(ctx, mg.upFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mg.version, mg.upFile)
		return err
	})
}

// inTx executes the named SQL file plus a bookkeeping statement in a single
// transaction.
func (m *Migrator) inTx(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover lists the up-migrations on disk in version order.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var found []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		found = append(found, migration{version: version, upFile: name})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].version < found[j].version })
	return found, nil
}
