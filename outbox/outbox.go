// Package outbox implements the transactional outbox: engine transactions
// enqueue messages next to their state change and a relay delivers them later.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	TopicDisputeCreated     = "dispute.created"
	TopicDisputeEscalated   = "dispute.escalated"
	TopicDisputeResolved    = "dispute.resolved"
	TopicDisputeExpired     = "dispute.expired"
	TopicDisputeClosed      = "dispute.closed"
	TopicAppealFiled        = "dispute.appeal_filed"
	TopicArbitratorAssigned = "arbitrator.assigned"
)

// Message is a pending outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Writer inserts outbox rows inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}

// PGStore is the relay's view of the outbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// Claim locks up to limit pending messages; concurrent relays skip them.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id::text, topic, payload, attempts, created_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        FOR UPDATE SKIP LOCKED
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := tx.Exec(ctx, `
        UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW(), last_error = $2, status = $3
        WHERE id = $1`, id, reason, status); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
