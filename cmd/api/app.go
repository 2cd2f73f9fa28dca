package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fundshield/arbitrator"
	"fundshield/auth"
	"fundshield/config"
	"fundshield/db"
	"fundshield/dispute"
	"fundshield/outbox"
	"fundshield/scheduler"
	"fundshield/settlement"
	"fundshield/timeline"
	"fundshield/voting"
)

// app holds every wired component of a running engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool    *pgxpool.Pool
	retryDB *sql.DB
	redis   *redis.Client

	registry  *arbitrator.Registry
	disputes  *dispute.Service
	votes     *voting.Service
	timeline  *timeline.Recorder
	tokens    *auth.Service
	scheduler *scheduler.Scheduler
	relay     *outbox.Relay
	retries   *settlement.RetryWorker
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := dispute.PolicyFromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.pool, err = db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		ApplicationName: "fundshield",
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	arbitrators := arbitrator.NewRepository(a.pool)
	a.registry = arbitrator.NewRegistry(a.pool, arbitrators, logger)
	selector := arbitrator.NewSelector(arbitrators, logger)
	a.timeline = timeline.NewRecorder(a.pool)

	a.disputes = dispute.NewService(a.pool, dispute.NewRepository(a.pool), selector, a.registry,
		a.timeline, outbox.NewWriter(), policy, logger)
	a.votes = voting.NewService(a.pool, voting.NewRepository(a.pool), a.disputes, a.registry, a.timeline, logger)
	a.disputes.WithCompleter(a.votes)

	clients, err := auth.NewStaticClients(cfg.Auth.Clients)
	if err != nil {
		a.close()
		return nil, err
	}
	a.tokens = auth.NewService(clients, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	if cfg.Settlement.URL != "" {
		a.retryDB, err = settlement.OpenDB(ctx, cfg.Database.RetryURL)
		if err != nil {
			a.close()
			return nil, err
		}
		queue := settlement.NewRetryQueue(a.retryDB, cfg.Settlement.MaxAttempts)
		client := settlement.NewHTTPClient(cfg.Settlement.URL, cfg.Settlement.Timeout, cfg.Settlement.RPS)
		executor := settlement.NewExecutor(client, a.disputes, queue, cfg.Settlement.Timeout, logger)
		a.disputes.WithSettler(executor)
		a.retries = settlement.NewRetryWorker(queue, executor, cfg.Settlement.PollInterval, logger)
	} else {
		logger.WarnContext(ctx, "settlement.url not set; resolutions are recorded without settlement")
	}

	var locker scheduler.Locker = scheduler.LocalLocker{}
	if cfg.Redis.Addr != "" {
		a.redis, err = scheduler.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close()
			return nil, err
		}
		locker = scheduler.NewRedisLocker(a.redis)
	}
	a.scheduler = scheduler.New(a.disputes, locker, scheduler.Config{
		Interval:  cfg.Scheduler.Interval,
		LockTTL:   cfg.Scheduler.LockTTL,
		BatchSize: cfg.Scheduler.BatchSize,
	}, logger)

	a.relay = outbox.NewRelay(outbox.NewStore(a.pool), nil, logger).
		WithInterval(cfg.Outbox.Interval).
		WithMaxAttempts(cfg.Outbox.MaxAttempts)

	return a, nil
}

func (a *app) server() *Server {
	return &Server{
		cases:       a.disputes,
		votes:       a.votes,
		arbitrators: a.registry,
		timeline:    a.timeline,
		tokens:      a.tokens,
		sweeper:     a.scheduler,
		logger:      a.logger.With("component", "http"),
	}
}

func (a *app) httpServer() *http.Server {
	return &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.server().routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.retryDB != nil {
		_ = a.retryDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
