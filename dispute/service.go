package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/outbox"
	"fundshield/timeline"
)

// SystemActor is recorded as the actor of scheduler-driven transitions.
const SystemActor = "system"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Selector picks and reserves arbitrators inside the case transaction.
type Selector interface {
	Select(ctx context.Context, tx pgx.Tx, req arbitrator.Request) ([]arbitrator.Arbitrator, error)
}

// Standing is the arbitrator bookkeeping the case service drives.
type Standing interface {
	ApplyOutcome(ctx context.Context, tx pgx.Tx, id string, o arbitrator.Outcome) error
	ReleaseCaseload(ctx context.Context, tx pgx.Tx, id string) error
}

type Timeline interface {
	Append(ctx context.Context, tx pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error
}

type Outbox interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Settler executes a resolution after its transaction committed. It owns
// retries and reports back through RecordSettlement/MarkSettlementPending.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest)
}

// Completer closes a voting round once every remaining seat has revealed.
// It runs in tx with the case row locked and reports whether the case was
// resolved.
type Completer interface {
	CompleteRound(ctx context.Context, tx pgx.Tx, c *Case) (bool, error)
}

type Service struct {
	pool      TxBeginner
	repo      Repository
	selector  Selector
	standing  Standing
	timeline  Timeline
	outbox    Outbox
	settler   Settler
	completer Completer
	policy    Policy
	logger    *slog.Logger

	now         func() time.Time
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository, selector Selector, standing Standing, tl Timeline, ob Outbox, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		selector:    selector,
		standing:    standing,
		timeline:    tl,
		outbox:      ob,
		policy:      policy,
		logger:      logger.With("component", "dispute.service"),
		now:         time.Now,
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithSettler wires the resolution executor. Without one, resolved cases stay
// at settlement status NONE.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

// WithCompleter wires the ballot engine so a round left waiting on an expired
// seat is tallied by the overdue sweep.
func (s *Service) WithCompleter(c Completer) *Service {
	s.completer = c
	return s
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit tx: %w", err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, tx pgx.Tx, c *Case) error {
	updated, err := s.repo.UpdateCase(ctx, tx, *c)
	if err != nil {
		return err
	}
	*c = updated
	return nil
}

func validateCreate(in CreateCaseInput) error {
	var problems []string
	if !in.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", in.Type))
	}
	if strings.TrimSpace(in.InitiatorID) == "" {
		problems = append(problems, "initiator is required")
	}
	if !in.Amount.IsPositive() {
		problems = append(problems, "disputed amount must be positive")
	}
	if in.Amount.Exponent() < -2 {
		problems = append(problems, "disputed amount has more than two decimals")
	}
	if in.RespondentID != "" && in.RespondentID == in.InitiatorID {
		problems = append(problems, "respondent must differ from initiator")
	}
	if len(problems) > 0 {
		return apperr.Validationf("dispute: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CreateCase opens a dispute and seats its tier-1 panel in one transaction.
// With an idempotency key, a replay returns the case of the first call.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (Case, error) {
	if err := validateCreate(in); err != nil {
		return Case{}, err
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	var (
		out    Case
		replay bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if in.IdempotencyKey != "" {
			existingID, reserved, err := s.repo.ReserveIdempotencyKey(ctx, tx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if !reserved {
				existing, err := s.repo.GetCase(ctx, existingID)
				if err != nil {
					return err
				}
				out, replay = existing, true
				return nil
			}
		}

		now := s.now()
		priority := s.policy.PriorityFor(in.Type, in.Amount)
		deadlineIn, escalateIn := Windows(priority)
		number, err := s.repo.NextCaseNumber(ctx, tx, now.Year())
		if err != nil {
			return err
		}
		escalationAt := now.Add(escalateIn)
		required := arbitrator.RequiredArbitrators(in.Amount, priority == PriorityUrgent, in.Type == TypeFraudClaim)

		c, err := s.repo.InsertCase(ctx, tx, Case{
			ID:                  s.idGenerator(),
			CaseNumber:          number,
			Type:                in.Type,
			Status:              StatusOpen,
			Priority:            priority,
			InitiatorID:         in.InitiatorID,
			RespondentID:        in.RespondentID,
			EscrowID:            in.EscrowID,
			Amount:              in.Amount,
			Currency:            in.Currency,
			Description:         in.Description,
			Specialization:      in.Specialization,
			CurrentTier:         1,
			RequiredArbitrators: required,
			Deadline:            now.Add(deadlineIn),
			AutoEscalationAt:    &escalationAt,
			SettlementStatus:    SettlementNone,
		})
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			if err := s.repo.BindIdempotencyKey(ctx, tx, in.IdempotencyKey, c.ID); err != nil {
				return err
			}
		}

		if err := s.timeline.Append(ctx, tx, c.ID, timeline.DisputeCreated, in.InitiatorID, map[string]any{
			"case_number":          c.CaseNumber,
			"type":                 string(c.Type),
			"priority":             string(c.Priority),
			"amount":               c.Amount.String(),
			"currency":             c.Currency,
			"tier":                 c.CurrentTier,
			"required_arbitrators": c.RequiredArbitrators,
			"deadline":             c.Deadline.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeCreated, map[string]any{
			"case_id":     c.ID,
			"case_number": c.CaseNumber,
			"priority":    string(c.Priority),
		}); err != nil {
			return err
		}

		if _, err := s.assignSeats(ctx, tx, &c, seatRange(c.RequiredArbitrators)); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Case{}, err
	}

	if replay {
		s.logger.InfoContext(ctx, "dispute create replayed", "case_id", out.ID, "idempotency_key", in.IdempotencyKey)
		return out, nil
	}
	s.logger.InfoContext(ctx, "dispute created",
		"case_id", out.ID,
		"case_number", out.CaseNumber,
		"priority", out.Priority,
		"required_arbitrators", out.RequiredArbitrators,
	)
	return out, nil
}

func (s *Service) GetCase(ctx context.Context, id string) (Case, error) {
	return s.repo.GetCase(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, filters Filters) ([]Case, int, error) {
	return s.repo.ListCases(ctx, filters)
}

func (s *Service) ListAssignments(ctx context.Context, caseID string) ([]Assignment, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListAssignments(ctx, caseID)
}

func (s *Service) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	return s.repo.GetAssignment(ctx, id)
}

func (s *Service) ListAppeals(ctx context.Context, caseID string) ([]Appeal, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListAppeals(ctx, caseID)
}

func seatRange(n int) []int {
	seats := make([]int, n)
	for i := range seats {
		seats[i] = i + 1
	}
	return seats
}
