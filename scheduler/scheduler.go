// Package scheduler drives the periodic case sweeps: timeout escalation,
// deadline expiry, overdue assignments and closing.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fundshield/apperr"
	"fundshield/dispute"
)

const LockKey = "fundshield:sweep"

// Sweeper runs one pass of every scan.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, limit int) (dispute.SweepReport, error)
}

type Config struct {
	Interval  time.Duration
	LockTTL   time.Duration
	BatchSize int
}

type Scheduler struct {
	sweeper Sweeper
	locker  Locker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

func New(sweeper Sweeper, locker Locker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 || cfg.LockTTL > cfg.Interval {
		cfg.LockTTL = cfg.Interval
	}
	meter := otel.Meter("fundshield/scheduler")
	processed, _ := meter.Int64Counter("dispute.sweep.processed",
		metric.WithDescription("Cases acted on by sweep kind"))
	duration, _ := meter.Float64Histogram("dispute.sweep.duration",
		metric.WithDescription("Wall time of a full sweep"), metric.WithUnit("s"))
	return &Scheduler{
		sweeper:   sweeper,
		locker:    locker,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		processed: processed,
		duration:  duration,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.tick(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "sweep failed", "error", err)
	}
}

// ErrLocked reports that another instance holds the sweep lock.
var ErrLocked = apperr.New(apperr.StateConflict, "scheduler: sweep lock held elsewhere")

// Sweep runs one pass under the distributed lock.
func (s *Scheduler) Sweep(ctx context.Context) (dispute.SweepReport, error) {
	token, ok, err := s.locker.Acquire(ctx, LockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.DebugContext(ctx, "sweep skipped, lock held")
		return nil, ErrLocked
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), LockKey, token); err != nil {
			s.logger.WarnContext(ctx, "sweep lock release failed", "error", err)
		}
	}()

	start := s.now()
	report, err := s.sweeper.Sweep(ctx, start, s.cfg.BatchSize)
	elapsed := s.now().Sub(start)

	for kind, n := range report {
		if s.processed != nil && n > 0 {
			s.processed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
		}
	}
	if s.duration != nil {
		s.duration.Record(ctx, elapsed.Seconds())
	}
	s.logger.InfoContext(ctx, "sweep finished",
		"escalated", report[dispute.SweepEscalation],
		"expired", report[dispute.SweepExpiry],
		"reassigned", report[dispute.SweepOverdue],
		"closed", report[dispute.SweepClose],
		"elapsed", elapsed,
	)
	return report, err
}
