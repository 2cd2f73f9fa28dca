package voting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/dispute"
	"fundshield/timeline"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Cases is the slice of the case service the ballot drives. All methods
// taking a tx expect the case row to be locked by it.
type Cases interface {
	GetCase(ctx context.Context, id string) (dispute.Case, error)
	LockCase(ctx context.Context, tx pgx.Tx, id string) (dispute.Case, error)
	LiveSeats(ctx context.Context, tx pgx.Tx, c dispute.Case) ([]dispute.Assignment, error)
	ResolveByTally(ctx context.Context, tx pgx.Tx, c *dispute.Case, ruling dispute.Ruling, summary string) error
	RequestEvidence(ctx context.Context, tx pgx.Tx, c *dispute.Case, details map[string]any) error
	Settle(ctx context.Context, c dispute.Case)
}

type Standing interface {
	Lookup(ctx context.Context, tx pgx.Tx, id string) (arbitrator.Arbitrator, error)
	ApplyOutcome(ctx context.Context, tx pgx.Tx, id string, o arbitrator.Outcome) error
}

type Timeline interface {
	Append(ctx context.Context, tx pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	cases    Cases
	standing Standing
	timeline Timeline
	logger   *slog.Logger

	now         func() time.Time
	idGenerator func() string

	ballots metric.Int64Counter
	tallies metric.Int64Counter
}

func NewService(pool TxBeginner, repo Repository, cases Cases, standing Standing, tl Timeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("fundshield/voting")
	ballots, _ := meter.Int64Counter("dispute.vote.ballots",
		metric.WithDescription("Vote commits and reveals by phase"))
	tallies, _ := meter.Int64Counter("dispute.vote.tallies",
		metric.WithDescription("Completed tallies by outcome"))
	return &Service{
		pool:        pool,
		repo:        repo,
		cases:       cases,
		standing:    standing,
		timeline:    tl,
		logger:      logger.With("component", "voting.service"),
		now:         time.Now,
		idGenerator: uuid.NewString,
		ballots:     ballots,
		tallies:     tallies,
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

func (s *Service) count(ctx context.Context, c metric.Int64Counter, key, value string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// panelSeat finds the caller's accepted seat at the current tier.
func (s *Service) panelSeat(ctx context.Context, tx pgx.Tx, c dispute.Case, arbitratorID string) error {
	seats, err := s.cases.LiveSeats(ctx, tx, c)
	if err != nil {
		return err
	}
	for _, a := range seats {
		if a.ArbitratorID == arbitratorID && a.Status == dispute.AssignmentAccepted {
			return nil
		}
	}
	return ErrNotPanelist
}

// SubmitVote stores a sealed ballot for the current round.
func (s *Service) SubmitVote(ctx context.Context, in SubmitInput) (Receipt, error) {
	if !in.Decision.Valid() {
		return Receipt{}, apperr.Validationf("voting: unknown decision %q", in.Decision)
	}
	if strings.TrimSpace(in.Nonce) == "" {
		return Receipt{}, apperr.Validationf("voting: nonce is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("voting: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.cases.LockCase(ctx, tx, in.CaseID)
	if err != nil {
		return Receipt{}, err
	}
	if c.Status != dispute.StatusVoting {
		return Receipt{}, fmt.Errorf("%w: case is %s", ErrVotingClosed, c.Status)
	}
	if err := s.panelSeat(ctx, tx, c, in.ArbitratorID); err != nil {
		return Receipt{}, err
	}
	arb, err := s.standing.Lookup(ctx, tx, in.ArbitratorID)
	if err != nil {
		return Receipt{}, err
	}

	v, err := s.repo.Insert(ctx, tx, Vote{
		ID:           s.idGenerator(),
		CaseID:       c.ID,
		Round:        c.VotingRound,
		ArbitratorID: in.ArbitratorID,
		Decision:     in.Decision,
		Reasoning:    in.Reasoning,
		Weight:       Weight(arb),
		CommitHash:   CommitHash(in.Decision, in.Reasoning, in.Nonce),
		IsCommitted:  true,
		CommittedAt:  s.now(),
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := s.timeline.Append(ctx, tx, c.ID, timeline.VoteCommitted, in.ArbitratorID, map[string]any{
		"round":       v.Round,
		"commit_hash": v.CommitHash,
	}); err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("voting: commit tx: %w", err)
	}
	s.count(ctx, s.ballots, "phase", "commit")
	s.logger.InfoContext(ctx, "vote committed", "case_id", c.ID, "round", v.Round, "arbitrator_id", in.ArbitratorID)
	return Receipt{VoteID: v.ID, CaseID: v.CaseID, Round: v.Round, CommitHash: v.CommitHash, Weight: v.Weight}, nil
}

// RevealVote opens the caller's ballot. When it completes the quorum, the
// round is tallied and the case resolved or sent back for evidence in the
// same transaction.
func (s *Service) RevealVote(ctx context.Context, caseID, arbitratorID, nonce string) (RevealOutcome, error) {
	if strings.TrimSpace(nonce) == "" {
		return RevealOutcome{}, apperr.Validationf("voting: nonce is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RevealOutcome{}, fmt.Errorf("voting: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.cases.LockCase(ctx, tx, caseID)
	if err != nil {
		return RevealOutcome{}, err
	}
	if c.Status != dispute.StatusVoting {
		return RevealOutcome{}, fmt.Errorf("%w: case is %s", ErrVotingClosed, c.Status)
	}
	v, err := s.repo.LockVote(ctx, tx, c.ID, c.VotingRound, arbitratorID)
	if err != nil {
		return RevealOutcome{}, err
	}
	if v.IsRevealed {
		return RevealOutcome{}, ErrAlreadyRevealed
	}
	if !v.Verifies(nonce) {
		s.count(ctx, s.ballots, "phase", "reveal_rejected")
		s.logger.WarnContext(ctx, "vote reveal rejected", "case_id", c.ID, "round", v.Round, "arbitrator_id", arbitratorID)
		return RevealOutcome{}, ErrInvalidReveal
	}

	now := s.now()
	v.Nonce = &nonce
	v.IsRevealed = true
	v.IsCommitted = true
	v.RevealedAt = &now
	if err := s.repo.MarkRevealed(ctx, tx, v); err != nil {
		return RevealOutcome{}, err
	}
	if err := s.timeline.Append(ctx, tx, c.ID, timeline.VoteRevealed, arbitratorID, map[string]any{
		"round":    v.Round,
		"decision": string(v.Decision),
		"weight":   v.Weight,
	}); err != nil {
		return RevealOutcome{}, err
	}

	out := RevealOutcome{Vote: v, Status: c.Status}
	res, err := s.completeRound(ctx, tx, &c)
	if err != nil {
		return RevealOutcome{}, err
	}
	quorum := res != nil
	if quorum {
		out.Quorum, out.Tally = true, res
		out.Resolved = c.Status == dispute.StatusResolved
		out.Status = c.Status
	}

	if err := tx.Commit(ctx); err != nil {
		return RevealOutcome{}, fmt.Errorf("voting: commit tx: %w", err)
	}
	s.count(ctx, s.ballots, "phase", "reveal")
	s.logger.InfoContext(ctx, "vote revealed", "case_id", c.ID, "round", v.Round, "arbitrator_id", arbitratorID, "quorum", quorum)
	if out.Resolved {
		s.cases.Settle(ctx, c)
	}
	return out, nil
}

// completeRound tallies the current round and applies the outcome when the
// quorum holds. A nil result means the round is still open.
func (s *Service) completeRound(ctx context.Context, tx pgx.Tx, c *dispute.Case) (*Result, error) {
	votes, err := s.repo.RoundVotes(ctx, tx, c.ID, c.VotingRound)
	if err != nil {
		return nil, err
	}
	quorum, err := s.quorum(ctx, tx, *c, votes)
	if err != nil || !quorum {
		return nil, err
	}
	res := Tally(votes)
	if err := s.conclude(ctx, tx, c, res, votes); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompleteRound closes a round that stopped waiting on a seat because the
// seat expired rather than revealed. c must be locked by tx; the caller
// settles the case after commit when it reports true.
func (s *Service) CompleteRound(ctx context.Context, tx pgx.Tx, c *dispute.Case) (bool, error) {
	if c.Status != dispute.StatusVoting || c.VotingRound == 0 {
		return false, nil
	}
	res, err := s.completeRound(ctx, tx, c)
	if err != nil || res == nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "voting round completed", "case_id", c.ID, "round", c.VotingRound, "status", c.Status)
	return c.Status == dispute.StatusResolved, nil
}

// quorum holds when every live seat at the current tier has revealed a vote in
// the round.
func (s *Service) quorum(ctx context.Context, tx pgx.Tx, c dispute.Case, votes []Vote) (bool, error) {
	seats, err := s.cases.LiveSeats(ctx, tx, c)
	if err != nil {
		return false, err
	}
	if len(seats) == 0 {
		return false, nil
	}
	revealed := map[string]bool{}
	for _, v := range votes {
		if v.IsRevealed {
			revealed[v.ArbitratorID] = true
		}
	}
	for _, seat := range seats {
		if !revealed[seat.ArbitratorID] {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) conclude(ctx context.Context, tx pgx.Tx, c *dispute.Case, res Result, votes []Vote) error {
	if !res.Decided() {
		return nil
	}
	if res.Winner == dispute.RulingRequireMoreEvidence {
		s.count(ctx, s.tallies, "outcome", "evidence")
		return s.cases.RequestEvidence(ctx, tx, c, map[string]any{
			"winning_pct": res.WinningPct,
			"counted":     res.Counted,
		})
	}

	summary := fmt.Sprintf("panel vote round %d: %s with %.1f%% of weight", res.Round, res.Winner, res.WinningPct*100)
	if err := s.cases.ResolveByTally(ctx, tx, c, res.Winner, summary); err != nil {
		return err
	}
	for _, v := range votes {
		if !v.IsRevealed {
			continue
		}
		outcome := arbitrator.OutcomeNegative
		if v.Decision == res.Winner {
			outcome = arbitrator.OutcomePositive
		}
		if err := s.standing.ApplyOutcome(ctx, tx, v.ArbitratorID, outcome); err != nil {
			return err
		}
	}
	s.count(ctx, s.tallies, "outcome", "resolved")
	return nil
}

// GetTally tallies the case's current round as it stands.
func (s *Service) GetTally(ctx context.Context, caseID string) (Result, error) {
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return Result{}, err
	}
	if c.VotingRound == 0 {
		return Result{Weights: map[dispute.Ruling]float64{}}, nil
	}
	votes, err := s.repo.Snapshot(ctx, caseID, c.VotingRound)
	if err != nil {
		return Result{}, err
	}
	res := Tally(votes)
	res.Round = c.VotingRound
	return res, nil
}

// ListVotes returns revealed votes only; sealed ballots stay private.
func (s *Service) ListVotes(ctx context.Context, caseID string) ([]Vote, error) {
	if _, err := s.cases.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.Revealed(ctx, caseID)
}
