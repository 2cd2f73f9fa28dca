// Package timeline records the append-only audit trail of a dispute case.
// Entries are hash-chained per case so a rewritten history is detectable.
package timeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types written by the engine.
const (
	DisputeCreated     = "DISPUTE_CREATED"
	ArbitratorAssigned = "ARBITRATOR_ASSIGNED"
	AssignmentAccepted = "ASSIGNMENT_ACCEPTED"
	AssignmentDeclined = "ASSIGNMENT_DECLINED"
	AssignmentExpired  = "ASSIGNMENT_EXPIRED"
	DisputeEscalated   = "DISPUTE_ESCALATED"
	DecisionSubmitted  = "DECISION_SUBMITTED"
	VotingOpened       = "VOTING_OPENED"
	VoteCommitted      = "VOTE_COMMITTED"
	VoteRevealed       = "VOTE_REVEALED"
	EvidenceRequested  = "EVIDENCE_REQUESTED"
	DisputeResolved    = "DISPUTE_RESOLVED"
	DisputeExpired     = "DISPUTE_EXPIRED"
	DisputeClosed      = "DISPUTE_CLOSED"
	AppealFiled        = "APPEAL_FILED"
	AppealReviewed     = "APPEAL_REVIEWED"
	SettlementExecuted = "SETTLEMENT_EXECUTED"
	SettlementFailed   = "SETTLEMENT_FAILED"
)

// ErrBrokenChain is returned by Verify when an entry does not follow its predecessor.
var ErrBrokenChain = errors.New("timeline: broken hash chain")

// Entry is one row of case_timeline.
type Entry struct {
	ID        int64
	CaseID    string
	Seq       int
	Type      string
	ActorID   *string
	Payload   json.RawMessage
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// Canonical renders a payload as RFC 8785 JSON so the hash does not depend on
// map ordering or whitespace.
func Canonical(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("timeline: marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("timeline: canonicalize payload: %w", err)
	}
	return out, nil
}

// ComputeHash chains an entry to its predecessor.
func ComputeHash(prevHash, caseID string, seq int, eventType string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(caseID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(seq)))
	h.Write([]byte{'|'})
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks that entries form one contiguous chain starting at seq 1.
func Verify(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, e.Seq, i)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: seq %d prev hash mismatch", ErrBrokenChain, e.Seq)
		}
		var payload map[string]any
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return fmt.Errorf("timeline: decode seq %d: %w", e.Seq, err)
			}
		}
		canonical, err := Canonical(payload)
		if err != nil {
			return err
		}
		if ComputeHash(prev, e.CaseID, e.Seq, e.Type, canonical) != e.Hash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrBrokenChain, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

// Recorder appends and reads case timelines.
type Recorder struct {
	pool *pgxpool.Pool
}

func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Append writes an event in the caller's transaction. The caller must hold the
// case row lock so sequence numbers cannot race.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error {
	var (
		lastSeq  int
		lastHash string
	)
	err := tx.QueryRow(ctx, `SELECT seq, hash FROM case_timeline WHERE case_id = $1 ORDER BY seq DESC LIMIT 1`, caseID).
		Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("timeline: read head: %w", err)
	}

	canonical, err := Canonical(payload)
	if err != nil {
		return err
	}
	seq := lastSeq + 1
	hash := ComputeHash(lastHash, caseID, seq, eventType, canonical)

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO case_timeline (case_id, seq, type, actor_id, payload, prev_hash, hash)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7);
`
	if _, err := tx.Exec(ctx, insertSQL, caseID, seq, eventType, actor, string(canonical), lastHash, hash); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// List returns the case timeline in sequence order.
func (r *Recorder) List(ctx context.Context, caseID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, case_id::text, seq, type, actor_id, payload, prev_hash, hash, created_at
        FROM case_timeline WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Seq, &e.Type, &e.ActorID, &payload, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
