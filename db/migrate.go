package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"fundshield/migrations"
)

// Migrate applies embedded migrations that are not yet recorded in
// schema_migrations, each in its own transaction. It returns the names applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       text PRIMARY KEY,
    applied_at timestamptz NOT NULL DEFAULT now()
)`); err != nil {
		return nil, fmt.Errorf("db: create schema_migrations: %w", err)
	}

	names, err := migrations.Files()
	if err != nil {
		return nil, fmt.Errorf("db: list migrations: %w", err)
	}

	applied := []string{}
	for _, name := range names {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&exists); err != nil {
			return applied, fmt.Errorf("db: check %s: %w", name, err)
		}
		if exists {
			continue
		}
		body, err := migrations.Read(name)
		if err != nil {
			return applied, fmt.Errorf("db: read %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("db: begin %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, body); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("db: apply %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("db: record %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("db: commit %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
