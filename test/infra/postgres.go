package infra

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated database for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness starts (or reuses) Postgres and applies the schema. A reused
// database gets an isolated schema.
func NewHarness(ctx context.Context) (*Harness, error) {
	shared := os.Getenv(DSNEnv) != ""
	c, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: c, pool: pool, teardown: teardown, dsn: dsn}, nil
}

// Open returns a harness for t, skipping the test when no database can be
// provided. Cleanup is registered on t.
func Open(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()
	if os.Getenv(DSNEnv) == "" && !DockerAvailable(ctx) {
		t.Skipf("no docker and %s unset", DSNEnv)
	}
	h, err := NewHarness(ctx)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func (h *Harness) Pool() *pgxpool.Pool { return h.pool }

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string { return h.dsn }

func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates every engine table. The timeline trigger guards UPDATE and
// DELETE only, so TRUNCATE still clears it.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"settlement_retries",
		"outbox",
		"idempotency",
		"case_appeals",
		"case_timeline",
		"case_votes",
		"case_assignments",
		"dispute_cases",
		"arbitrators",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	return tx.Commit(ctx)
}
