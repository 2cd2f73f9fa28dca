package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Repository interface {
	NextCaseNumber(ctx context.Context, tx pgx.Tx, year int) (string, error)
	InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	GetCase(ctx context.Context, id string) (Case, error)
	LockCase(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	TryLockCase(ctx context.Context, tx pgx.Tx, id string) (Case, bool, error)
	UpdateCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	ListCases(ctx context.Context, filters Filters) ([]Case, int, error)

	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (existingCaseID string, reserved bool, err error)
	BindIdempotencyKey(ctx context.Context, tx pgx.Tx, key, caseID string) error

	InsertAssignment(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	LockAssignment(ctx context.Context, tx pgx.Tx, id string) (Assignment, error)
	UpdateAssignment(ctx context.Context, tx pgx.Tx, a Assignment) error
	CaseAssignments(ctx context.Context, tx pgx.Tx, caseID string) ([]Assignment, error)
	ListAssignments(ctx context.Context, caseID string) ([]Assignment, error)

	InsertAppeal(ctx context.Context, tx pgx.Tx, a Appeal) (Appeal, error)
	GetAppeal(ctx context.Context, id string) (Appeal, error)
	LockAppeal(ctx context.Context, tx pgx.Tx, id string) (Appeal, error)
	UpdateAppeal(ctx context.Context, tx pgx.Tx, a Appeal) error
	CountAppeals(ctx context.Context, tx pgx.Tx, caseID string) (total int, pending int, err error)
	ListAppeals(ctx context.Context, caseID string) ([]Appeal, error)

	DueEscalations(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueExpirations(ctx context.Context, now time.Time, limit int) ([]string, error)
	OverdueAssignments(ctx context.Context, now time.Time, limit int) ([]Assignment, error)
	Closable(ctx context.Context, resolvedBefore time.Time, limit int) ([]string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `id::text, case_number, type, status, priority, initiator_id, respondent_id, escrow_id,
        disputed_amount::text, currency, description, specialization, current_tier, required_arbitrators,
        voting_round, deadline, auto_escalation_at, resolution, resolution_ruling, resolution_path,
        compensation_amount::text, compensation_recipient, resolved_by, resolved_at, resolution_count,
        settlement_status, settlement_ref, last_swept_at, version, created_at, updated_at`

const assignmentColumns = `id::text, case_id::text, tier, seat, arbitrator_id::text, status, assigned_at,
        accepted_at, completed_at, deadline, ruling, reasoning, compensation_amount::text, feedback_applied`

const appealColumns = `id::text, case_id::text, appellant_id, reason, status, filed_at, reviewed_at,
        reviewed_by, review_note`

// inProgress is the SQL rendering of Status.InProgress.
const inProgress = `('OPEN','ARBITRATION','ESCALATED','UNDER_REVIEW','VOTING')`

func (r *PGRepository) NextCaseNumber(ctx context.Context, tx pgx.Tx, year int) (string, error) {
	var n int64
	if err := tx.QueryRow(ctx, `SELECT nextval('dispute_case_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("dispute: next case number: %w", err)
	}
	return fmt.Sprintf("DSP-%d-%06d", year, n), nil
}

func (r *PGRepository) InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	query := `
        INSERT INTO dispute_cases (id, case_number, type, status, priority, initiator_id, respondent_id,
            escrow_id, disputed_amount, currency, description, specialization, current_tier,
            required_arbitrators, voting_round, deadline, auto_escalation_at, settlement_status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        RETURNING ` + caseColumns

	out, err := scanCase(tx.QueryRow(ctx, query,
		c.ID, c.CaseNumber, string(c.Type), string(c.Status), string(c.Priority), c.InitiatorID,
		c.RespondentID, c.EscrowID, c.Amount.String(), c.Currency, c.Description, c.Specialization,
		c.CurrentTier, c.RequiredArbitrators, c.VotingRound, c.Deadline, c.AutoEscalationAt,
		string(c.SettlementStatus),
	))
	if err != nil {
		return Case{}, fmt.Errorf("dispute: insert case: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetCase(ctx context.Context, id string) (Case, error) {
	out, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: get case: %w", err)
	}
	return out, nil
}

// LockCase reads the case and holds its row lock until the transaction ends.
// Every mutation of a case goes through it first.
func (r *PGRepository) LockCase(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	out, err := scanCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: lock case: %w", err)
	}
	return out, nil
}

// TryLockCase is LockCase for sweeps: a row held by another transaction is
// reported as not claimed instead of waiting for it.
func (r *PGRepository) TryLockCase(ctx context.Context, tx pgx.Tx, id string) (Case, bool, error) {
	out, err := scanCase(tx.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1 FOR UPDATE SKIP LOCKED`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, false, nil
		}
		return Case{}, false, fmt.Errorf("dispute: try lock case: %w", err)
	}
	return out, true, nil
}

// UpdateCase writes every mutable column and bumps the version. The write only
// applies when the stored version still matches c.Version.
func (r *PGRepository) UpdateCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	query := `
        UPDATE dispute_cases SET
            status = $2, priority = $3, current_tier = $4, required_arbitrators = $5, voting_round = $6,
            deadline = $7, auto_escalation_at = $8, resolution = $9, resolution_ruling = $10,
            resolution_path = $11, compensation_amount = $12::numeric, compensation_recipient = $13,
            resolved_by = $14, resolved_at = $15, settlement_status = $16, settlement_ref = $17,
            last_swept_at = $18, resolution_count = $20, version = version + 1, updated_at = get_tx_timestamp()
        WHERE id = $1 AND version = $19
        RETURNING ` + caseColumns

	var ruling, path *string
	if c.Ruling != nil {
		v := string(*c.Ruling)
		ruling = &v
	}
	if c.ResolutionPath != nil {
		v := string(*c.ResolutionPath)
		path = &v
	}
	out, err := scanCase(tx.QueryRow(ctx, query,
		c.ID, string(c.Status), string(c.Priority), c.CurrentTier, c.RequiredArbitrators, c.VotingRound,
		c.Deadline, c.AutoEscalationAt, c.Resolution, ruling,
		path, decimalArg(c.CompensationAmount), c.CompensationRecipient,
		c.ResolvedBy, c.ResolvedAt, string(c.SettlementStatus), c.SettlementRef,
		c.LastSweptAt, c.Version, c.ResolutionCount,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrConcurrentUpdate
		}
		return Case{}, fmt.Errorf("dispute: update case: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListCases(ctx context.Context, filters Filters) ([]Case, int, error) {
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
		args = append(args, string(filters.Status))
	}
	if filters.Type != "" {
		where = append(where, fmt.Sprintf("type=$%d", len(args)+1))
		args = append(args, string(filters.Type))
	}
	if filters.Priority != "" {
		where = append(where, fmt.Sprintf("priority=$%d", len(args)+1))
		args = append(args, string(filters.Priority))
	}
	if filters.Tier > 0 {
		where = append(where, fmt.Sprintf("current_tier=$%d", len(args)+1))
		args = append(args, filters.Tier)
	}
	if filters.PartyID != "" {
		where = append(where, fmt.Sprintf("(initiator_id=$%d OR respondent_id=$%d)", len(args)+1, len(args)+1))
		args = append(args, filters.PartyID)
	}
	if filters.ArbitratorID != "" {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM case_assignments ca WHERE ca.case_id = dispute_cases.id AND ca.arbitrator_id::text = $%d)",
			len(args)+1))
		args = append(args, filters.ArbitratorID)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM dispute_cases%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		caseColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: query list: %w", err)
	}
	defer rows.Close()
	list := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan case: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate cases: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM dispute_cases"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count list: %w", err)
	}
	return list, total, nil
}

// ReserveIdempotencyKey claims key for a new case. When the key was already
// used, reserved is false and existingCaseID names the case it produced. A
// concurrent holder of the same key blocks the insert until it commits.
func (r *PGRepository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (string, bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return "", false, fmt.Errorf("dispute: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return "", true, nil
	}
	var caseID *string
	if err := tx.QueryRow(ctx, `SELECT case_id::text FROM idempotency WHERE key = $1`, key).Scan(&caseID); err != nil {
		return "", false, fmt.Errorf("dispute: read idempotency key: %w", err)
	}
	if caseID == nil {
		return "", false, ErrConcurrentUpdate
	}
	return *caseID, false, nil
}

func (r *PGRepository) BindIdempotencyKey(ctx context.Context, tx pgx.Tx, key, caseID string) error {
	if _, err := tx.Exec(ctx, `UPDATE idempotency SET case_id = $2 WHERE key = $1`, key, caseID); err != nil {
		return fmt.Errorf("dispute: bind idempotency key: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertAssignment(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	query := `
        INSERT INTO case_assignments (id, case_id, tier, seat, arbitrator_id, status, assigned_at, deadline)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + assignmentColumns
	out, err := scanAssignment(tx.QueryRow(ctx, query,
		a.ID, a.CaseID, a.Tier, a.Seat, a.ArbitratorID, string(a.Status), a.AssignedAt, a.Deadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Assignment{}, fmt.Errorf("%w: seat %d already held", ErrConcurrentUpdate, a.Seat)
		}
		return Assignment{}, fmt.Errorf("dispute: insert assignment: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	out, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM case_assignments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrAssignmentNotFound
		}
		return Assignment{}, fmt.Errorf("dispute: get assignment: %w", err)
	}
	return out, nil
}

func (r *PGRepository) LockAssignment(ctx context.Context, tx pgx.Tx, id string) (Assignment, error) {
	out, err := scanAssignment(tx.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM case_assignments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrAssignmentNotFound
		}
		return Assignment{}, fmt.Errorf("dispute: lock assignment: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateAssignment(ctx context.Context, tx pgx.Tx, a Assignment) error {
	const query = `
        UPDATE case_assignments
        SET status = $2, accepted_at = $3, completed_at = $4, ruling = $5, reasoning = $6,
            compensation_amount = $7::numeric, feedback_applied = $8
        WHERE id = $1
    `
	var ruling, reasoning *string
	var comp *decimal.Decimal
	if a.Decision != nil {
		v := string(a.Decision.Ruling)
		ruling = &v
		reasoning = &a.Decision.Reasoning
		comp = a.Decision.Compensation
	}
	tag, err := tx.Exec(ctx, query, a.ID, string(a.Status), a.AcceptedAt, a.CompletedAt, ruling, reasoning,
		decimalArg(comp), a.FeedbackApplied)
	if err != nil {
		return fmt.Errorf("dispute: update assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// CaseAssignments lists a case's assignments inside tx, oldest first.
func (r *PGRepository) CaseAssignments(ctx context.Context, tx pgx.Tx, caseID string) ([]Assignment, error) {
	rows, err := tx.Query(ctx, `SELECT `+assignmentColumns+` FROM case_assignments
        WHERE case_id = $1 ORDER BY tier, seat, assigned_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: query assignments: %w", err)
	}
	return collectAssignments(rows)
}

func (r *PGRepository) ListAssignments(ctx context.Context, caseID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM case_assignments
        WHERE case_id = $1 ORDER BY tier, seat, assigned_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: query assignments: %w", err)
	}
	return collectAssignments(rows)
}

func (r *PGRepository) InsertAppeal(ctx context.Context, tx pgx.Tx, a Appeal) (Appeal, error) {
	query := `
        INSERT INTO case_appeals (id, case_id, appellant_id, reason, status, filed_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING ` + appealColumns
	out, err := scanAppeal(tx.QueryRow(ctx, query, a.ID, a.CaseID, a.AppellantID, a.Reason, string(a.Status), a.FiledAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Appeal{}, fmt.Errorf("%w: appeal already pending", ErrInvalidTransition)
		}
		return Appeal{}, fmt.Errorf("dispute: insert appeal: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetAppeal(ctx context.Context, id string) (Appeal, error) {
	out, err := scanAppeal(r.pool.QueryRow(ctx, `SELECT `+appealColumns+` FROM case_appeals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appeal{}, ErrAppealNotFound
		}
		return Appeal{}, fmt.Errorf("dispute: get appeal: %w", err)
	}
	return out, nil
}

func (r *PGRepository) LockAppeal(ctx context.Context, tx pgx.Tx, id string) (Appeal, error) {
	out, err := scanAppeal(tx.QueryRow(ctx, `SELECT `+appealColumns+` FROM case_appeals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appeal{}, ErrAppealNotFound
		}
		return Appeal{}, fmt.Errorf("dispute: lock appeal: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateAppeal(ctx context.Context, tx pgx.Tx, a Appeal) error {
	const query = `
        UPDATE case_appeals SET status = $2, reviewed_at = $3, reviewed_by = $4, review_note = $5
        WHERE id = $1
    `
	tag, err := tx.Exec(ctx, query, a.ID, string(a.Status), a.ReviewedAt, a.ReviewedBy, a.ReviewNote)
	if err != nil {
		return fmt.Errorf("dispute: update appeal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppealNotFound
	}
	return nil
}

func (r *PGRepository) CountAppeals(ctx context.Context, tx pgx.Tx, caseID string) (int, int, error) {
	var total, pending int
	err := tx.QueryRow(ctx, `
        SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'PENDING')
        FROM case_appeals WHERE case_id = $1`, caseID).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("dispute: count appeals: %w", err)
	}
	return total, pending, nil
}

func (r *PGRepository) ListAppeals(ctx context.Context, caseID string) ([]Appeal, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appealColumns+` FROM case_appeals WHERE case_id = $1 ORDER BY filed_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: query appeals: %w", err)
	}
	defer rows.Close()
	out := []Appeal{}
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan appeal: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate appeals: %w", err)
	}
	return out, nil
}

// DueEscalations lists cases whose auto-escalation time passed. Cases that
// are also past their deadline are left to expiry.
func (r *PGRepository) DueEscalations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.ids(ctx, `
        SELECT id::text FROM dispute_cases
        WHERE status IN `+inProgress+`
          AND current_tier < 3
          AND auto_escalation_at <= $1
          AND deadline > $1
        ORDER BY auto_escalation_at, id
        LIMIT $2`, now, limit)
}

func (r *PGRepository) DueExpirations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.ids(ctx, `
        SELECT id::text FROM dispute_cases
        WHERE status IN `+inProgress+`
          AND deadline <= $1
        ORDER BY deadline, id
        LIMIT $2`, now, limit)
}

func (r *PGRepository) OverdueAssignments(ctx context.Context, now time.Time, limit int) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT `+assignmentColumns+` FROM case_assignments
        WHERE status IN ('ASSIGNED','ACCEPTED') AND deadline <= $1
        ORDER BY deadline, id
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: query overdue assignments: %w", err)
	}
	return collectAssignments(rows)
}

func (r *PGRepository) Closable(ctx context.Context, resolvedBefore time.Time, limit int) ([]string, error) {
	return r.ids(ctx, `
        SELECT id::text FROM dispute_cases c
        WHERE c.status = 'RESOLVED'
          AND c.resolved_at <= $1
          AND NOT EXISTS (SELECT 1 FROM case_appeals a WHERE a.case_id = c.id AND a.status = 'PENDING')
        ORDER BY c.resolved_at, c.id
        LIMIT $2`, resolvedBefore, limit)
}

func (r *PGRepository) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: query sweep candidates: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan sweep candidate: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate sweep candidates: %w", err)
	}
	return out, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c                          Case
		typ, status, priority      string
		amount                     string
		ruling, path, compensation *string
		settlement                 string
	)
	err := row.Scan(
		&c.ID, &c.CaseNumber, &typ, &status, &priority, &c.InitiatorID, &c.RespondentID, &c.EscrowID,
		&amount, &c.Currency, &c.Description, &c.Specialization, &c.CurrentTier, &c.RequiredArbitrators,
		&c.VotingRound, &c.Deadline, &c.AutoEscalationAt, &c.Resolution, &ruling, &path,
		&compensation, &c.CompensationRecipient, &c.ResolvedBy, &c.ResolvedAt, &c.ResolutionCount, &settlement,
		&c.SettlementRef, &c.LastSweptAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	c.Type = Type(typ)
	c.Status = Status(status)
	c.Priority = Priority(priority)
	c.SettlementStatus = SettlementStatus(settlement)
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return Case{}, fmt.Errorf("dispute: parse amount: %w", err)
	}
	if c.CompensationAmount, err = parseDecimal(compensation); err != nil {
		return Case{}, fmt.Errorf("dispute: parse compensation: %w", err)
	}
	if ruling != nil {
		v := Ruling(*ruling)
		c.Ruling = &v
	}
	if path != nil {
		v := ResolutionPath(*path)
		c.ResolutionPath = &v
	}
	return c, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a                         Assignment
		status                    string
		ruling, reasoning, amount *string
	)
	err := row.Scan(&a.ID, &a.CaseID, &a.Tier, &a.Seat, &a.ArbitratorID, &status, &a.AssignedAt,
		&a.AcceptedAt, &a.CompletedAt, &a.Deadline, &ruling, &reasoning, &amount, &a.FeedbackApplied)
	if err != nil {
		return Assignment{}, err
	}
	a.Status = AssignmentStatus(status)
	if ruling != nil {
		d := Decision{Ruling: Ruling(*ruling)}
		if reasoning != nil {
			d.Reasoning = *reasoning
		}
		if d.Compensation, err = parseDecimal(amount); err != nil {
			return Assignment{}, fmt.Errorf("dispute: parse decision compensation: %w", err)
		}
		a.Decision = &d
	}
	return a, nil
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	out := []Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate assignments: %w", err)
	}
	return out, nil
}

func scanAppeal(row pgx.Row) (Appeal, error) {
	var (
		a      Appeal
		status string
	)
	err := row.Scan(&a.ID, &a.CaseID, &a.AppellantID, &a.Reason, &status, &a.FiledAt, &a.ReviewedAt,
		&a.ReviewedBy, &a.ReviewNote)
	if err != nil {
		return Appeal{}, err
	}
	a.Status = AppealStatus(status)
	return a, nil
}
