package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CaseRef is what an arbitrator needs to hear about a new assignment.
type CaseRef struct {
	CaseID       string    `json:"case_id"`
	CaseNumber   string    `json:"case_number"`
	AssignmentID string    `json:"assignment_id"`
	ArbitratorID string    `json:"arbitrator_id"`
	Tier         int       `json:"tier"`
	Deadline     time.Time `json:"deadline"`
}

// Notifier delivers assignment notices. Delivery is best effort.
type Notifier interface {
	NotifyArbitratorAssignment(ctx context.Context, arbitratorID string, ref CaseRef) error
}

// LogNotifier writes notices to the log; used when no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyArbitratorAssignment(ctx context.Context, arbitratorID string, ref CaseRef) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "arbitrator assignment notice",
		"arbitrator_id", arbitratorID,
		"case_id", ref.CaseID,
		"case_number", ref.CaseNumber,
		"deadline", ref.Deadline,
	)
	return nil
}

// Store is the persistence the relay needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error
}

// Relay drains the outbox.
type Relay struct {
	store       Store
	notifier    Notifier
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewRelay(store Store, notifier Notifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Relay{
		store:       store,
		notifier:    notifier,
		logger:      logger.With("component", "outbox.relay"),
		interval:    2 * time.Second,
		batchSize:   20,
		maxAttempts: 5,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "outbox relay pass failed", "error", err)
			}
		}
	}
}

// RunOnce delivers one batch and reports how many messages were handled.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	for _, m := range msgs {
		if derr := r.dispatch(ctx, m); derr != nil {
			dead := m.Attempts+1 >= r.maxAttempts
			r.logger.WarnContext(ctx, "outbox delivery failed",
				"message_id", m.ID, "topic", m.Topic, "attempt", m.Attempts+1, "dead", dead, "error", derr)
			if err := r.store.MarkFailed(ctx, tx, m.ID, derr.Error(), dead); err != nil {
				return 0, err
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, m.ID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit relay: %w", err)
	}
	return len(msgs), nil
}

func (r *Relay) dispatch(ctx context.Context, m Message) error {
	switch m.Topic {
	case TopicArbitratorAssigned:
		var ref CaseRef
		if err := json.Unmarshal(m.Payload, &ref); err != nil {
			return fmt.Errorf("decode %s: %w", m.Topic, err)
		}
		return r.notifier.NotifyArbitratorAssignment(ctx, ref.ArbitratorID, ref)
	default:
		// Other topics feed external consumers reading the table directly.
		return nil
	}
}
