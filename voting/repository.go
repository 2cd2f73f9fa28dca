package voting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundshield/dispute"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, v Vote) (Vote, error)
	LockVote(ctx context.Context, tx pgx.Tx, caseID string, round int, arbitratorID string) (Vote, error)
	MarkRevealed(ctx context.Context, tx pgx.Tx, v Vote) error
	RoundVotes(ctx context.Context, tx pgx.Tx, caseID string, round int) ([]Vote, error)
	Snapshot(ctx context.Context, caseID string, round int) ([]Vote, error)
	Revealed(ctx context.Context, caseID string) ([]Vote, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, case_id::text, round, arbitrator_id::text, decision, reasoning, weight, commit_hash,
        nonce, is_committed, is_revealed, committed_at, revealed_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, v Vote) (Vote, error) {
	query := `
        INSERT INTO case_votes (id, case_id, round, arbitrator_id, decision, reasoning, weight, commit_hash,
            is_committed, committed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING ` + columns
	out, err := scanVote(tx.QueryRow(ctx, query, v.ID, v.CaseID, v.Round, v.ArbitratorID, string(v.Decision),
		v.Reasoning, v.Weight, v.CommitHash, v.IsCommitted, v.CommittedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Vote{}, ErrDuplicateVote
		}
		return Vote{}, fmt.Errorf("voting: insert vote: %w", err)
	}
	return out, nil
}

func (r *PGRepository) LockVote(ctx context.Context, tx pgx.Tx, caseID string, round int, arbitratorID string) (Vote, error) {
	out, err := scanVote(tx.QueryRow(ctx, `SELECT `+columns+` FROM case_votes
        WHERE case_id = $1 AND round = $2 AND arbitrator_id = $3 FOR UPDATE`, caseID, round, arbitratorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vote{}, ErrVoteNotFound
		}
		return Vote{}, fmt.Errorf("voting: lock vote: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkRevealed(ctx context.Context, tx pgx.Tx, v Vote) error {
	const query = `
        UPDATE case_votes SET nonce = $2, is_revealed = true, is_committed = true, revealed_at = $3
        WHERE id = $1 AND NOT is_revealed
    `
	tag, err := tx.Exec(ctx, query, v.ID, v.Nonce, v.RevealedAt)
	if err != nil {
		return fmt.Errorf("voting: mark revealed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRevealed
	}
	return nil
}

// RoundVotes reads the round inside tx. The caller holds the case lock, so no
// reveal can land between this read and the tally.
func (r *PGRepository) RoundVotes(ctx context.Context, tx pgx.Tx, caseID string, round int) ([]Vote, error) {
	rows, err := tx.Query(ctx, `SELECT `+columns+` FROM case_votes
        WHERE case_id = $1 AND round = $2 ORDER BY committed_at, id`, caseID, round)
	if err != nil {
		return nil, fmt.Errorf("voting: query round: %w", err)
	}
	return collect(rows)
}

// Snapshot reads a round with a single statement, which sees one consistent
// snapshot of the table.
func (r *PGRepository) Snapshot(ctx context.Context, caseID string, round int) ([]Vote, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM case_votes
        WHERE case_id = $1 AND round = $2 ORDER BY committed_at, id`, caseID, round)
	if err != nil {
		return nil, fmt.Errorf("voting: query snapshot: %w", err)
	}
	return collect(rows)
}

func (r *PGRepository) Revealed(ctx context.Context, caseID string) ([]Vote, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM case_votes
        WHERE case_id = $1 AND is_revealed ORDER BY round, revealed_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("voting: query revealed: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Vote, error) {
	defer rows.Close()
	out := []Vote{}
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("voting: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voting: iterate votes: %w", err)
	}
	return out, nil
}

func scanVote(row pgx.Row) (Vote, error) {
	var (
		v        Vote
		decision string
	)
	err := row.Scan(&v.ID, &v.CaseID, &v.Round, &v.ArbitratorID, &decision, &v.Reasoning, &v.Weight,
		&v.CommitHash, &v.Nonce, &v.IsCommitted, &v.IsRevealed, &v.CommittedAt, &v.RevealedAt)
	if err != nil {
		return Vote{}, err
	}
	v.Decision = dispute.Ruling(decision)
	return v, nil
}
