package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/outbox"
	"fundshield/timeline"
)

type resolution struct {
	Ruling       Ruling
	Text         string
	Compensation *decimal.Decimal
	By           string
	Path         ResolutionPath
}

func (s *Service) applyResolution(c *Case, r resolution, now time.Time) {
	amount, recipient := Compensation(*c, r.Ruling, r.Compensation)
	ruling, path, by, text := r.Ruling, r.Path, r.By, r.Text
	c.Ruling = &ruling
	c.ResolutionPath = &path
	c.Resolution = &text
	c.ResolvedBy = &by
	c.ResolvedAt = &now
	c.CompensationAmount = &amount
	c.CompensationRecipient = &recipient
	c.AutoEscalationAt = nil
	c.ResolutionCount++
}

// resolveTx closes adjudication on the case. Open seats are released and
// every decision not yet credited feeds back into its author's reputation.
func (s *Service) resolveTx(ctx context.Context, tx pgx.Tx, c *Case, r resolution) error {
	if !r.Ruling.Final() {
		return fmt.Errorf("%w: ruling %q cannot resolve a case", ErrInvalidTransition, r.Ruling)
	}
	if r.Compensation != nil && (r.Compensation.IsNegative() || r.Compensation.GreaterThan(c.Amount)) {
		return apperr.Validationf("dispute: compensation must be between 0 and the disputed amount")
	}
	if err := transition(c, StatusResolved); err != nil {
		return err
	}
	now := s.now()
	s.applyResolution(c, r, now)

	assignments, err := s.releaseLive(ctx, tx, *c, true)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Status != AssignmentCompleted || a.Decision == nil || a.FeedbackApplied {
			continue
		}
		outcome := arbitrator.OutcomeNegative
		if a.Decision.Ruling == r.Ruling {
			outcome = arbitrator.OutcomePositive
		}
		if err := s.standing.ApplyOutcome(ctx, tx, a.ArbitratorID, outcome); err != nil {
			return err
		}
		a.FeedbackApplied = true
		if err := s.repo.UpdateAssignment(ctx, tx, a); err != nil {
			return err
		}
	}

	if err := s.timeline.Append(ctx, tx, c.ID, timeline.DisputeResolved, r.By, map[string]any{
		"ruling":       string(r.Ruling),
		"path":         string(r.Path),
		"tier":         c.CurrentTier,
		"compensation": c.CompensationAmount.String(),
		"recipient":    *c.CompensationRecipient,
	}); err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
		"case_id":      c.ID,
		"case_number":  c.CaseNumber,
		"ruling":       string(r.Ruling),
		"path":         string(r.Path),
		"compensation": c.CompensationAmount.String(),
	})
}

// Resolve applies a ruling issued outside the decision and voting paths.
func (s *Service) Resolve(ctx context.Context, caseID string, in ResolveInput) (Case, error) {
	if !in.Ruling.Final() {
		return Case{}, fmt.Errorf("%w: ruling %q cannot resolve a case", ErrInvalidTransition, in.Ruling)
	}
	var out Case
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.InProgress() {
			return fmt.Errorf("%w: cannot resolve from %s", ErrInvalidTransition, c.Status)
		}
		if err := s.resolveTx(ctx, tx, &c, resolution{
			Ruling:       in.Ruling,
			Text:         in.Resolution,
			Compensation: in.Compensation,
			By:           in.ResolvedBy,
			Path:         PathManual,
		}); err != nil {
			return err
		}
		if err := s.save(ctx, tx, &c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Case{}, err
	}
	s.logger.InfoContext(ctx, "dispute resolved", "case_id", out.ID, "ruling", in.Ruling, "path", PathManual)
	if in.Settle {
		s.Settle(ctx, out)
	}
	return out, nil
}

// LockCase locks the case row for a collaborator working in its own
// transaction, such as the voting engine.
func (s *Service) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	return s.repo.LockCase(ctx, tx, caseID)
}

// LiveSeats lists the live assignments at the case's current tier. The case
// row must be locked by tx.
func (s *Service) LiveSeats(ctx context.Context, tx pgx.Tx, c Case) ([]Assignment, error) {
	return s.liveSeats(ctx, tx, c)
}

// ResolveByTally resolves a voting case with the tally's winner inside tx.
func (s *Service) ResolveByTally(ctx context.Context, tx pgx.Tx, c *Case, ruling Ruling, summary string) error {
	if c.Status != StatusVoting {
		return fmt.Errorf("%w: tally on %s case", ErrInvalidTransition, c.Status)
	}
	if err := s.resolveTx(ctx, tx, c, resolution{
		Ruling: ruling,
		Text:   summary,
		By:     SystemActor,
		Path:   PathVoteTally,
	}); err != nil {
		return err
	}
	return s.save(ctx, tx, c)
}

// RequestEvidence sends a voting case back to review when the panel asked for
// more evidence. A new round is opened with OpenVoting.
func (s *Service) RequestEvidence(ctx context.Context, tx pgx.Tx, c *Case, details map[string]any) error {
	if c.Status != StatusVoting {
		return fmt.Errorf("%w: evidence request on %s case", ErrInvalidTransition, c.Status)
	}
	if err := transition(c, StatusUnderReview); err != nil {
		return err
	}
	payload := map[string]any{"round": c.VotingRound}
	for k, v := range details {
		payload[k] = v
	}
	if err := s.timeline.Append(ctx, tx, c.ID, timeline.EvidenceRequested, SystemActor, payload); err != nil {
		return err
	}
	return s.save(ctx, tx, c)
}

// SettlementKey names the current resolution of c for the executor.
func SettlementKey(c Case) string {
	return fmt.Sprintf("%s/%d", c.ID, c.ResolutionCount)
}

// SettlementFor builds the executor request of a resolved or expired case.
func SettlementFor(c Case) (SettlementRequest, bool) {
	if c.Ruling == nil || c.ResolutionPath == nil || c.CompensationAmount == nil {
		return SettlementRequest{}, false
	}
	req := SettlementRequest{
		Key:          SettlementKey(c),
		CaseID:       c.ID,
		CaseNumber:   c.CaseNumber,
		EscrowID:     c.EscrowID,
		Ruling:       *c.Ruling,
		Path:         *c.ResolutionPath,
		Amount:       c.Amount,
		Compensation: *c.CompensationAmount,
		Currency:     c.Currency,
	}
	if c.CompensationRecipient != nil {
		req.Recipient = *c.CompensationRecipient
	}
	return req, true
}

// Settle hands a committed resolution to the executor. Call it only after the
// resolving transaction committed.
func (s *Service) Settle(ctx context.Context, c Case) {
	if s.settler == nil {
		return
	}
	req, ok := SettlementFor(c)
	if !ok {
		s.logger.WarnContext(ctx, "settlement skipped, case has no resolution", "case_id", c.ID, "status", c.Status)
		return
	}
	s.settler.Settle(ctx, req)
}

// awaitsSettlement reports whether req still describes the resolution c carries.
func awaitsSettlement(c Case, req SettlementRequest) bool {
	return c.Ruling != nil && SettlementKey(c) == req.Key
}

// CheckSettlement tells the executor whether req may be executed now.
// A request for a resolution an approved appeal cleared, or one already
// settled, is superseded; a case under appeal holds its settlement.
func (s *Service) CheckSettlement(ctx context.Context, req SettlementRequest) error {
	c, err := s.repo.GetCase(ctx, req.CaseID)
	if err != nil {
		return err
	}
	if !awaitsSettlement(c, req) || c.SettlementStatus == SettlementSettled {
		return ErrSettlementSuperseded
	}
	if c.Status == StatusAppealed {
		return ErrSettlementOnHold
	}
	return nil
}

// RecordSettlement stores the executor's reference for the resolution req
// was built from. Repeating a recorded settlement is a no-op.
func (s *Service) RecordSettlement(ctx context.Context, req SettlementRequest, ref string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, req.CaseID)
		if err != nil {
			return err
		}
		if c.Ruling == nil {
			return fmt.Errorf("%w: case %s has no resolution to settle", ErrInvalidTransition, c.ID)
		}
		if !awaitsSettlement(c, req) {
			return ErrSettlementSuperseded
		}
		if c.SettlementStatus == SettlementSettled {
			return nil
		}
		c.SettlementStatus = SettlementSettled
		c.SettlementRef = &ref
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.SettlementExecuted, SystemActor, map[string]any{
			"settlement_ref": ref,
			"key":            req.Key,
		}); err != nil {
			return err
		}
		return s.save(ctx, tx, &c)
	})
}

// MarkSettlementPending flags a failed execution for retry without touching
// the case status. Requests for a replaced resolution are ignored.
func (s *Service) MarkSettlementPending(ctx context.Context, req SettlementRequest, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, req.CaseID)
		if err != nil {
			return err
		}
		if !awaitsSettlement(c, req) || c.SettlementStatus != SettlementNone {
			return nil
		}
		c.SettlementStatus = SettlementPendingRetry
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.SettlementFailed, SystemActor, map[string]any{
			"reason": reason,
			"key":    req.Key,
		}); err != nil {
			return err
		}
		return s.save(ctx, tx, &c)
	})
}
