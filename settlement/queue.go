package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"fundshield/dispute"
)

// Item is one queued settlement.
type Item struct {
	CaseID        string
	Request       dispute.SettlementRequest
	Attempts      int
	NextAttemptAt time.Time
}

// RetryQueue stores settlements awaiting another attempt in
// settlement_retries. Claimed items are leased by pushing next_attempt_at
// forward, so concurrent workers do not pick the same item.
type RetryQueue struct {
	db          *sql.DB
	maxAttempts int
	lease       time.Duration
}

// OpenDB opens the lib/pq connection used by the queue.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("settlement: open retry db: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("settlement: ping retry db: %w", err)
	}
	return db, nil
}

func NewRetryQueue(db *sql.DB, maxAttempts int) *RetryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &RetryQueue{db: db, maxAttempts: maxAttempts, lease: 5 * time.Minute}
}

func (q *RetryQueue) MaxAttempts() int { return q.maxAttempts }

// Enqueue adds or re-arms the retry of a case. A request for a newer
// resolution replaces the queued one and starts its attempts from zero.
func (q *RetryQueue) Enqueue(ctx context.Context, req dispute.SettlementRequest, reason string, at time.Time) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("settlement: marshal retry payload: %w", err)
	}
	const query = `
		INSERT INTO settlement_retries (case_id, payload, next_attempt_at, last_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (case_id) DO UPDATE SET
			attempts = CASE WHEN settlement_retries.payload->>'key' = EXCLUDED.payload->>'key'
				THEN settlement_retries.attempts ELSE 0 END,
			payload = EXCLUDED.payload,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			status = 'pending',
			updated_at = now()`
	if _, err := q.db.ExecContext(ctx, query, req.CaseID, payload, at, reason); err != nil {
		return fmt.Errorf("settlement: enqueue retry: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit pending items due at now.
func (q *RetryQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT case_id::text, payload, attempts, next_attempt_at
		FROM settlement_retries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: claim due: %w", err)
	}
	items := []Item{}
	ids := []string{}
	for rows.Next() {
		var (
			it      Item
			payload []byte
		)
		if err := rows.Scan(&it.CaseID, &payload, &it.Attempts, &it.NextAttemptAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("settlement: scan retry: %w", err)
		}
		if err := json.Unmarshal(payload, &it.Request); err != nil {
			rows.Close()
			return nil, fmt.Errorf("settlement: decode retry %s: %w", it.CaseID, err)
		}
		items = append(items, it)
		ids = append(ids, it.CaseID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate retries: %w", err)
	}
	if len(ids) == 0 {
		return items, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE settlement_retries SET next_attempt_at = $1, updated_at = now()
		WHERE case_id = ANY($2::uuid[])`, now.Add(q.lease), pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("settlement: lease retries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("settlement: commit claim: %w", err)
	}
	return items, nil
}

func (q *RetryQueue) MarkDone(ctx context.Context, caseID string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE settlement_retries SET status = 'done', last_error = '', updated_at = now()
		WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("settlement: mark done: %w", err)
	}
	return nil
}

// Drop retires a queued request whose resolution was replaced. An item
// re-armed with a newer key in the meantime is left alone.
func (q *RetryQueue) Drop(ctx context.Context, caseID, key string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE settlement_retries SET status = 'superseded', updated_at = now()
		WHERE case_id = $1 AND payload->>'key' = $2 AND status = 'pending'`, caseID, key); err != nil {
		return fmt.Errorf("settlement: drop retry: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and reports whether the item is now dead.
func (q *RetryQueue) MarkFailed(ctx context.Context, caseID string, next time.Time, reason string) (bool, error) {
	var status string
	err := q.db.QueryRowContext(ctx, `
		UPDATE settlement_retries
		SET attempts = attempts + 1,
			last_error = $2,
			next_attempt_at = $3,
			status = CASE WHEN attempts + 1 >= $4 THEN 'dead' ELSE 'pending' END,
			updated_at = now()
		WHERE case_id = $1
		RETURNING status`, caseID, reason, next, q.maxAttempts).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("settlement: retry %s not queued", caseID)
	}
	if err != nil {
		return false, fmt.Errorf("settlement: mark failed: %w", err)
	}
	return status == "dead", nil
}
