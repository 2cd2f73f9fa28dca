package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"fundshield/arbitrator"
	"fundshield/dispute"
	"fundshield/outbox"
	"fundshield/test/actors"
	"fundshield/test/chaos"
	"fundshield/test/infra"
	"fundshield/test/oracles"
	"fundshield/timeline"
	"fundshield/voting"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of claimant actors")
	flArbitrators = flag.Int("arbitrators", 12, "number of arbitrators to register")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func TestDisputeEngineConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC    *infra.PGContainer
		dsn    string
		err    error
		shared bool
	)
	switch {
	case *flDSN != "":
		dsn, shared, pgC = *flDSN, true, &infra.PGContainer{}
	case os.Getenv(infra.DSNEnv) != "":
		dsn, shared, pgC = os.Getenv(infra.DSNEnv), true, &infra.PGContainer{}
	case infra.DockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	engine := buildEngine(pool, logger)
	arbitratorIDs := mustSeedArbitrators(t, ctx, engine.Arbitrators, *flArbitrators)
	parties := []string{"buyer-1", "buyer-2", "seller-1", "seller-2", "seller-3"}

	stats := &actors.Stats{}
	stop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < *flConcurrency; i++ {
		s := rng.Int63()
		g.Go(func() error { return actors.Claimant(gctx, engine, stats, parties, s, stop) })
	}
	for _, id := range arbitratorIDs {
		id, s := id, rng.Int63()
		g.Go(func() error { return actors.Arbitrator(gctx, engine, stats, id, s, stop) })
	}
	adminSeed, appealSeed, sweepSeed := rng.Int63(), rng.Int63(), rng.Int63()
	g.Go(func() error { return actors.Admin(gctx, engine, stats, adminSeed, stop) })
	g.Go(func() error { return actors.Appellant(gctx, engine, stats, appealSeed, stop) })
	g.Go(func() error { return actors.Sweeper(gctx, engine, stats, 10*24*time.Hour, sweepSeed, stop) })
	g.Go(func() error { return actors.Relay(gctx, engine, stats, stop) })
	if *flChaos {
		chaosRng := rand.New(rand.NewSource(rng.Int63()))
		go chaos.TerminateRandomBackend(gctx, pool, infra.ApplicationName, chaosRng, stop)
	}

	maxAppeals := dispute.DefaultPolicy().MaxAppeals
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failure string
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool, maxAppeals)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own backend
				t.Logf("oracle query failed: %v", err)
				continue
			}
			if name != "" {
				failure = fmt.Sprintf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
				break loop
			}
		}
	}

	close(stop)
	actorErr := g.Wait()
	t.Logf("stress stats: %s", stats)
	if failure != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatal(failure)
	}
	if actorErr != nil && !errors.Is(actorErr, context.Canceled) && !errors.Is(actorErr, context.DeadlineExceeded) {
		t.Fatalf("actor failed: %v (seed=%d)", actorErr, seed)
	}

	// One quiet pass after the actors stop: every invariant must hold on the
	// final state, and every surviving timeline must verify.
	name, row, err := oracles.Run(context.Background(), pool, maxAppeals)
	if err != nil {
		t.Fatalf("final oracle pass: %v", err)
	}
	if name != "" {
		t.Fatalf("oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	verifyTimelines(t, pool)
}

func buildEngine(pool *pgxpool.Pool, logger *slog.Logger) actors.Engine {
	arbRepo := arbitrator.NewRepository(pool)
	registry := arbitrator.NewRegistry(pool, arbRepo, logger)
	recorder := timeline.NewRecorder(pool)
	cases := dispute.NewService(pool, dispute.NewRepository(pool), arbitrator.NewSelector(arbRepo, logger),
		registry, recorder, outbox.NewWriter(), dispute.DefaultPolicy(), logger)
	votes := voting.NewService(pool, voting.NewRepository(pool), cases, registry, recorder, logger)
	cases.WithCompleter(votes)
	return actors.Engine{
		Cases:       cases,
		Votes:       votes,
		Arbitrators: registry,
		Relay:       outbox.NewRelay(outbox.NewStore(pool), nil, logger),
	}
}

func mustSeedArbitrators(t *testing.T, ctx context.Context, registry *arbitrator.Registry, n int) []string {
	t.Helper()
	tiers := []arbitrator.Tier{arbitrator.TierJunior, arbitrator.TierSenior, arbitrator.TierExpert, arbitrator.TierMaster}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a, err := registry.Register(ctx, arbitrator.RegisterInput{
			UserID:      "stress-" + uuid.NewString(),
			Tier:        tiers[i%len(tiers)],
			MaxCaseload: 4,
			Status:      arbitrator.StatusActive,
		})
		if err != nil {
			t.Fatalf("seed arbitrator %d: %v", i, err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func verifyTimelines(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	rows, err := pool.Query(ctx, `SELECT id::text FROM dispute_cases`)
	if err != nil {
		t.Fatalf("list cases: %v", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			t.Fatalf("scan case id: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	recorder := timeline.NewRecorder(pool)
	for _, id := range ids {
		entries, err := recorder.List(ctx, id)
		if err != nil {
			t.Fatalf("timeline %s: %v", id, err)
		}
		if len(entries) == 0 {
			t.Fatalf("case %s has no timeline", id)
		}
		if err := timeline.Verify(entries); err != nil {
			t.Fatalf("timeline %s: %v", id, err)
		}
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct{ name, sql string }{
		{"dispute_cases", `SELECT id, status, current_tier, voting_round, updated_at FROM dispute_cases ORDER BY updated_at DESC LIMIT 30`},
		{"case_assignments", `SELECT id, case_id, tier, seat, arbitrator_id, status FROM case_assignments ORDER BY assigned_at DESC LIMIT 50`},
		{"case_timeline", `SELECT case_id, seq, type, created_at FROM case_timeline ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
