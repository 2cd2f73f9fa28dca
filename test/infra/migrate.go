package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundshield/db"
)

// ApplicationName tags test backends so chaos only kills our own connections.
const ApplicationName = "fundshield-test"

// ApplyMigrations opens a pool on dsn and applies the embedded migrations.
// With isolate set, everything lands in a throwaway schema that the returned
// teardown drops, so a shared database can host concurrent runs.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	teardown := func(context.Context) error { return nil }

	if isolate {
		ident := pgx.Identifier{fmt.Sprintf("fundshield_run_%d", time.Now().UnixNano())}.Sanitize()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
		conn.Close(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", ident, err)
		}

		cfg.ConnConfig.RuntimeParams["search_path"] = ident + ",public"
		teardown = func(ctx context.Context) error {
			c, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			_, err = c.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, err
	}
	return pool, teardown, nil
}
