package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fundshield/dispute"
)

// Store is the queue as the worker sees it.
type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Item, error)
	MarkDone(ctx context.Context, caseID string) error
	MarkFailed(ctx context.Context, caseID string, next time.Time, reason string) (bool, error)
	Drop(ctx context.Context, caseID, key string) error
}

type Retrier interface {
	Retry(ctx context.Context, req dispute.SettlementRequest) error
}

// RetryWorker drains the retry queue. Item n waits roughly
// InitialInterval * 2^(n-1) before its next attempt.
type RetryWorker struct {
	store     Store
	retrier   Retrier
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
	newPolicy func() *backoff.ExponentialBackOff
}

func NewRetryWorker(store Store, retrier Retrier, interval time.Duration, logger *slog.Logger) *RetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{
		store:     store,
		retrier:   retrier,
		logger:    logger.With("component", "settlement.retry"),
		interval:  interval,
		batchSize: 20,
		now:       time.Now,
		newPolicy: defaultPolicy,
	}
}

func defaultPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (w *RetryWorker) WithClock(now func() time.Time) *RetryWorker {
	w.now = now
	return w
}

// WithPolicy replaces the backoff schedule.
func (w *RetryWorker) WithPolicy(p func() *backoff.ExponentialBackOff) *RetryWorker {
	w.newPolicy = p
	return w
}

// Delay is the wait before the given attempt number.
func (w *RetryWorker) Delay(attempt int) time.Duration {
	b := w.newPolicy()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "settlement retry pass failed", "error", err)
			}
		}
	}
}

// RunOnce retries the due batch and reports how many items settled.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.store.ClaimDue(ctx, w.now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, it := range items {
		rerr := w.retrier.Retry(ctx, it.Request)
		if errors.Is(rerr, dispute.ErrSettlementSuperseded) {
			w.logger.InfoContext(ctx, "settlement retry superseded", "case_id", it.CaseID, "key", it.Request.Key)
			if err := w.store.Drop(ctx, it.CaseID, it.Request.Key); err != nil {
				return settled, err
			}
			continue
		}
		if rerr != nil {
			next := w.now().Add(w.Delay(it.Attempts + 1))
			dead, err := w.store.MarkFailed(ctx, it.CaseID, next, rerr.Error())
			if err != nil {
				return settled, err
			}
			if dead {
				w.logger.ErrorContext(ctx, "settlement retries exhausted", "case_id", it.CaseID, "attempts", it.Attempts+1, "error", rerr)
			} else {
				w.logger.WarnContext(ctx, "settlement retry failed", "case_id", it.CaseID, "attempt", it.Attempts+1, "next_attempt_at", next, "error", rerr)
			}
			continue
		}
		if err := w.store.MarkDone(ctx, it.CaseID); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}
