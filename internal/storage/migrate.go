package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
	appliedMigrationsSQL = `SELECT version FROM schema_migrations;`
	recordMigrationSQL   = `INSERT INTO schema_migrations (version) VALUES ($1);`
)

// Migration is one schema file.
type Migration struct {
	Version string
	SQL     string
}

// LoadMigrations reads *.sql files from dir, sorted by file name.
func LoadMigrations(dir string) ([]Migration, error) {
	return loadMigrationsFS(os.DirFS(dir))
}

func loadMigrationsFS(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		body, readErr := fs.ReadFile(fsys, name)
		if readErr != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, readErr)
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(name, ".sql"),
			SQL:     string(body),
		})
	}
	return migrations, nil
}

// PendingMigrations drops versions already applied, keeping order.
func PendingMigrations(all []Migration, applied map[string]struct{}) []Migration {
	pending := make([]Migration, 0, len(all))
	for _, m := range all {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		pending = append(pending, m)
	}
	return pending
}

// ApplyMigrations runs every pending migration, each in its own transaction, and returns the applied versions.
func (s *Store) ApplyMigrations(ctx context.Context, migrations []Migration) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := pool.Query(ctx, appliedMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}
	applied := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}

	done := make([]string, 0)
	for _, m := range PendingMigrations(migrations, applied) {
		m := m
		txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, recordMigrationSQL, m.Version)
			return err
		})
		if txErr != nil {
			return done, fmt.Errorf("apply migration %s: %w", m.Version, txErr)
		}
		done = append(done, m.Version)
	}
	return done, nil
}
