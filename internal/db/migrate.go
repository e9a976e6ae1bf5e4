package db

import (
	"context"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// migrationLockID is the transaction-scoped advisory lock key taken by every
// migration transaction. pg_advisory_xact_lock is released on commit or
// rollback of the same connection, so pooled connections cannot leak it.
const migrationLockID = 7_340_221

// Migrate applies every .sql file in dir of fsys that is not yet recorded in
// schema_migrations, in lexicographic order. Each file runs in its own
// transaction together with its bookkeeping row, under the migration lock.
func Migrate(ctx context.Context, pool Pool, fsys fs.FS, dir string) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return eris.Wrapf(err, "db: read migration dir %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && path.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}
		ran, err := applyMigration(ctx, pool, name, string(data))
		if err != nil {
			return err
		}
		if !ran {
			log.Info("migration applied concurrently, skipped", zap.String("file", name))
			continue
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func lockMigrations(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID)
	return eris.Wrap(err, "db: acquire migration lock")
}

func ensureMigrationTable(ctx context.Context, pool Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin schema_migrations")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockMigrations(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "db: ensure schema_migrations")
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit schema_migrations")
}

// applyMigration runs one file. It reports false without touching the schema
// when another process recorded the file after the applied set was read.
func applyMigration(ctx context.Context, pool Pool, name, sql string) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrapf(err, "db: begin migration %s", name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockMigrations(ctx, tx); err != nil {
		return false, err
	}
	var done bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)", name).Scan(&done); err != nil {
		return false, eris.Wrapf(err, "db: check migration %s", name)
	}
	if done {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, eris.Wrapf(err, "db: apply migration %s", name)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
		return false, eris.Wrapf(err, "db: record migration %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrapf(err, "db: commit migration %s", name)
	}
	return true, nil
}

func appliedMigrations(ctx context.Context, pool Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "db: iterate migration rows")
}
