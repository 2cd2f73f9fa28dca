package arbitrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fundshield/apperr"
)

const (
	MaxReputation = 5.0

	reputationGain = 0.1
	reputationLoss = 0.15
	defaultMaxLoad = 5
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ClampReputation bounds a reputation score to [0, MaxReputation].
func ClampReputation(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxReputation:
		return MaxReputation
	default:
		return v
	}
}

// applyOutcome is the only place reputation changes.
func applyOutcome(a Arbitrator, o Outcome, now time.Time) Arbitrator {
	a.TotalCases++
	switch o {
	case OutcomePositive:
		a.ResolvedCases++
		a.Reputation = ClampReputation(a.Reputation + reputationGain)
	case OutcomeNegative:
		a.Reputation = ClampReputation(a.Reputation - reputationLoss)
	}
	a.LastActiveAt = &now
	return a
}

// Registry manages arbitrator profiles, availability and standing.
type Registry struct {
	pool   TxBeginner
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(pool TxBeginner, repo Repository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:   pool,
		repo:   repo,
		logger: logger.With("component", "arbitrator.registry"),
		now:    time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Register(ctx context.Context, in RegisterInput) (Arbitrator, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Arbitrator{}, apperr.Validationf("arbitrator: user id required")
	}
	if !in.Tier.Valid() {
		return Arbitrator{}, apperr.Validationf("arbitrator: valid tier required")
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	if !in.Status.Valid() {
		return Arbitrator{}, apperr.Validationf("arbitrator: invalid status")
	}
	if in.MaxCaseload < 0 {
		return Arbitrator{}, apperr.Validationf("arbitrator: max caseload must not be negative")
	}
	if in.MaxCaseload == 0 {
		in.MaxCaseload = defaultMaxLoad
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := r.repo.Insert(ctx, tx, Arbitrator{
		UserID:          strings.TrimSpace(in.UserID),
		Status:          in.Status,
		Tier:            in.Tier,
		Specializations: in.Specializations,
		MaxCaseload:     in.MaxCaseload,
	})
	if err != nil {
		return Arbitrator{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: commit register: %w", err)
	}

	r.logger.InfoContext(ctx, "arbitrator registered", "arbitrator_id", created.ID, "tier", created.Tier)
	return created, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Arbitrator, error) {
	if id == "" {
		return Arbitrator{}, apperr.Validationf("arbitrator: id required")
	}
	return r.repo.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, filters Filters) ([]Arbitrator, int, error) {
	return r.repo.List(ctx, filters)
}

func (r *Registry) SetStatus(ctx context.Context, id string, status Status) (Arbitrator, error) {
	if !status.Valid() {
		return Arbitrator{}, apperr.Validationf("arbitrator: invalid status")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := r.repo.UpdateStatus(ctx, tx, id, status)
	if err != nil {
		return Arbitrator{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: commit status: %w", err)
	}
	return updated, nil
}

// Lookup reads an arbitrator inside the caller's transaction.
func (r *Registry) Lookup(ctx context.Context, tx pgx.Tx, id string) (Arbitrator, error) {
	return r.repo.GetForUpdate(ctx, tx, id)
}

// ApplyOutcome records the feedback of a finished case on the arbitrator's
// standing. It runs in the caller's transaction so the reputation change
// commits with the resolution that caused it.
func (r *Registry) ApplyOutcome(ctx context.Context, tx pgx.Tx, id string, o Outcome) error {
	a, err := r.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	updated := applyOutcome(a, o, r.now())
	if err := r.repo.UpdateStanding(ctx, tx, updated); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "reputation updated",
		"arbitrator_id", id,
		"positive", o == OutcomePositive,
		"reputation", updated.Reputation,
	)
	return nil
}

// ReleaseCaseload frees the slot held by a finished or abandoned assignment.
func (r *Registry) ReleaseCaseload(ctx context.Context, tx pgx.Tx, id string) error {
	return r.repo.ReleaseCaseload(ctx, tx, id)
}
