package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fundshield/dispute"
)

// Cases confirms a request is still current and receives the outcome of an
// execution attempt.
type Cases interface {
	CheckSettlement(ctx context.Context, req dispute.SettlementRequest) error
	RecordSettlement(ctx context.Context, req dispute.SettlementRequest, ref string) error
	MarkSettlementPending(ctx context.Context, req dispute.SettlementRequest, reason string) error
}

type Queue interface {
	Enqueue(ctx context.Context, req dispute.SettlementRequest, reason string, at time.Time) error
}

// Executor settles resolved cases. A failed execution never reverts the
// resolution; the case is flagged and queued for retry instead.
type Executor struct {
	client  Client
	cases   Cases
	queue   Queue
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	attempts metric.Int64Counter
}

func NewExecutor(client Client, cases Cases, queue Queue, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts, _ := otel.Meter("fundshield/settlement").Int64Counter("dispute.settlement.attempts",
		metric.WithDescription("Settlement executions by result"))
	return &Executor{
		client:   client,
		cases:    cases,
		queue:    queue,
		logger:   logger.With("component", "settlement.executor"),
		timeout:  timeout,
		now:      time.Now,
		attempts: attempts,
	}
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Settle runs one execution attempt for a freshly resolved case. Failures are
// logged and queued; callers never see them.
func (e *Executor) Settle(ctx context.Context, req dispute.SettlementRequest) {
	// The resolution is already committed; a caller going away must not cut
	// the execution short.
	ctx = context.WithoutCancel(ctx)

	err := e.Retry(ctx, req)
	if err == nil {
		return
	}
	if errors.Is(err, dispute.ErrSettlementSuperseded) {
		e.logger.InfoContext(ctx, "settlement skipped, resolution superseded", "case_id", req.CaseID, "key", req.Key)
		return
	}
	e.logger.WarnContext(ctx, "settlement failed, queued for retry", "case_id", req.CaseID, "error", err)
	if perr := e.cases.MarkSettlementPending(ctx, req, err.Error()); perr != nil {
		e.logger.ErrorContext(ctx, "mark settlement pending", "case_id", req.CaseID, "error", perr)
	}
	if e.queue == nil {
		return
	}
	if qerr := e.queue.Enqueue(ctx, req, err.Error(), e.now()); qerr != nil {
		e.logger.ErrorContext(ctx, "enqueue settlement retry", "case_id", req.CaseID, "error", qerr)
	}
}

// Retry executes req and records the reference on success. Requests the case
// no longer awaits fail with dispute.ErrSettlementSuperseded before the
// executor is called.
func (e *Executor) Retry(ctx context.Context, req dispute.SettlementRequest) error {
	if err := e.cases.CheckSettlement(ctx, req); err != nil {
		if errors.Is(err, dispute.ErrSettlementSuperseded) {
			e.count(ctx, "superseded")
		}
		return err
	}
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	ref, err := e.client.ExecuteResolution(execCtx, req)
	cancel()
	if err != nil {
		e.count(ctx, "failed")
		return err
	}
	e.count(ctx, "executed")
	if err := e.cases.RecordSettlement(ctx, req, string(ref)); err != nil {
		return fmt.Errorf("settlement: record reference %s: %w", ref, err)
	}
	e.logger.InfoContext(ctx, "settlement executed", "case_id", req.CaseID, "ruling", req.Ruling, "reference", ref)
	return nil
}

func (e *Executor) count(ctx context.Context, result string) {
	if e.attempts == nil {
		return
	}
	e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
