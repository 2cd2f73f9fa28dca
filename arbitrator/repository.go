package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundshield/apperr"
)

var (
	ErrNotFound              = apperr.New(apperr.NotFound, "arbitrator: not found")
	ErrAlreadyExists         = apperr.New(apperr.StateConflict, "arbitrator: identity already registered")
	ErrNoAvailableArbitrator = apperr.New(apperr.Capacity, "arbitrator: no available arbitrator")
)

// CandidateQuery describes the hard filters of the selection pool.
type CandidateQuery struct {
	MinTier        Tier
	Specialization string
	Exclude        []string
}

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, a Arbitrator) (Arbitrator, error)
	Get(ctx context.Context, id string) (Arbitrator, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Arbitrator, error)
	List(ctx context.Context, filters Filters) ([]Arbitrator, int, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Arbitrator, error)
	UpdateStanding(ctx context.Context, tx pgx.Tx, a Arbitrator) error
	Candidates(ctx context.Context, tx pgx.Tx, q CandidateQuery) ([]Arbitrator, error)
	ReserveCaseload(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	ReleaseCaseload(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, user_id, status, tier, specializations, reputation, total_cases, resolved_cases,
        current_caseload, max_caseload, last_active_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Arbitrator) (Arbitrator, error) {
	query := `
        INSERT INTO arbitrators (id, user_id, status, tier, specializations, max_caseload)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING ` + columns

	specs := a.Specializations
	if specs == nil {
		specs = []string{}
	}
	out, err := scanArbitrator(tx.QueryRow(ctx, query, a.ID, a.UserID, a.Status, a.Tier, specs, a.MaxCaseload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Arbitrator{}, ErrAlreadyExists
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Arbitrator, error) {
	out, err := scanArbitrator(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM arbitrators WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: get: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Arbitrator, error) {
	out, err := scanArbitrator(tx.QueryRow(ctx, `SELECT `+columns+` FROM arbitrators WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: get for update: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Arbitrator, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Tier != "" {
		where = append(where, fmt.Sprintf("tier=$%d", len(args)+1))
		args = append(args, filters.Tier)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM arbitrators%s ORDER BY reputation DESC, id LIMIT %d OFFSET %d`,
		columns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("arbitrator: query list: %w", err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM arbitrators"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("arbitrator: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Arbitrator, error) {
	query := `
        UPDATE arbitrators SET status = $2, updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + columns
	out, err := scanArbitrator(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: update status: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateStanding(ctx context.Context, tx pgx.Tx, a Arbitrator) error {
	const query = `
        UPDATE arbitrators
        SET reputation = $2, total_cases = $3, resolved_cases = $4, last_active_at = $5, updated_at = get_tx_timestamp()
        WHERE id = $1
    `
	tag, err := tx.Exec(ctx, query, a.ID, a.Reputation, a.TotalCases, a.ResolvedCases, a.LastActiveAt)
	if err != nil {
		return fmt.Errorf("arbitrator: update standing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Candidates(ctx context.Context, tx pgx.Tx, q CandidateQuery) ([]Arbitrator, error) {
	tiers := TiersAtLeast(q.MinTier)
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, string(t))
	}
	exclude := q.Exclude
	if exclude == nil {
		exclude = []string{}
	}

	query := `SELECT ` + columns + `
        FROM arbitrators
        WHERE status = 'ACTIVE'
          AND current_caseload < max_caseload
          AND tier = ANY($1)
          AND ($2 = '' OR $2 = ANY(specializations))
          AND NOT (id::text = ANY($3))
        ORDER BY id`
	rows, err := tx.Query(ctx, query, names, q.Specialization, exclude)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: query candidates: %w", err)
	}
	return collect(rows)
}

// ReserveCaseload increments the caseload if capacity remains. A false result
// means another transaction took the last slot.
func (r *PGRepository) ReserveCaseload(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const query = `
        UPDATE arbitrators
        SET current_caseload = current_caseload + 1,
            last_active_at = get_tx_timestamp(),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = 'ACTIVE' AND current_caseload < max_caseload
    `
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("arbitrator: reserve caseload: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) ReleaseCaseload(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `
        UPDATE arbitrators
        SET current_caseload = GREATEST(current_caseload - 1, 0), updated_at = get_tx_timestamp()
        WHERE id = $1
    `
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("arbitrator: release caseload: %w", err)
	}
	return nil
}

func collect(rows pgx.Rows) ([]Arbitrator, error) {
	defer rows.Close()
	out := []Arbitrator{}
	for rows.Next() {
		a, err := scanArbitrator(rows)
		if err != nil {
			return nil, fmt.Errorf("arbitrator: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitrator: iterate: %w", err)
	}
	return out, nil
}

func scanArbitrator(row pgx.Row) (Arbitrator, error) {
	var a Arbitrator
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Status,
		&a.Tier,
		&a.Specializations,
		&a.Reputation,
		&a.TotalCases,
		&a.ResolvedCases,
		&a.CurrentCaseload,
		&a.MaxCaseload,
		&a.LastActiveAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
