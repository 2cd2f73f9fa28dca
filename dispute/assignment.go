package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/outbox"
	"fundshield/timeline"
)

// assignSeats fills the given seats of the case's current tier. Arbitrators
// who already sat on the case are excluded. A short pool seats as many as it
// can; an empty one fails with arbitrator.ErrNoAvailableArbitrator.
func (s *Service) assignSeats(ctx context.Context, tx pgx.Tx, c *Case, seats []int) ([]Assignment, error) {
	if len(seats) == 0 {
		return nil, nil
	}
	history, err := s.repo.CaseAssignments(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	exclude := make([]string, 0, len(history))
	for _, a := range history {
		exclude = append(exclude, a.ArbitratorID)
	}

	picked, err := s.selector.Select(ctx, tx, arbitrator.Request{
		CaseID:         c.ID,
		CaseType:       string(c.Type),
		Tier:           c.CurrentTier,
		Count:          len(seats),
		Specialization: c.Specialization,
		Exclude:        exclude,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	deadline := now.Add(AssignmentWindow(c.CurrentTier))
	out := make([]Assignment, 0, len(picked))
	for i, arb := range picked {
		a, err := s.repo.InsertAssignment(ctx, tx, Assignment{
			ID:           s.idGenerator(),
			CaseID:       c.ID,
			Tier:         c.CurrentTier,
			Seat:         seats[i],
			ArbitratorID: arb.ID,
			Status:       AssignmentAssigned,
			AssignedAt:   now,
			Deadline:     deadline,
		})
		if err != nil {
			return nil, err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.ArbitratorAssigned, SystemActor, map[string]any{
			"assignment_id": a.ID,
			"arbitrator_id": a.ArbitratorID,
			"tier":          a.Tier,
			"seat":          a.Seat,
			"deadline":      a.Deadline.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicArbitratorAssigned, map[string]any{
			"case_id":       c.ID,
			"case_number":   c.CaseNumber,
			"assignment_id": a.ID,
			"arbitrator_id": a.ArbitratorID,
			"tier":          a.Tier,
			"deadline":      a.Deadline.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) < len(seats) {
		s.logger.WarnContext(ctx, "panel partially seated",
			"case_id", c.ID,
			"tier", c.CurrentTier,
			"seated", len(out),
			"wanted", len(seats),
		)
	}
	return out, nil
}

// refillSeat reassigns one seat after its holder left. Running out of
// arbitrators leaves the seat vacant; the case then proceeds with the seats it
// has or waits for escalation.
func (s *Service) refillSeat(ctx context.Context, tx pgx.Tx, c *Case, seat int) error {
	_, err := s.assignSeats(ctx, tx, c, []int{seat})
	if errors.Is(err, arbitrator.ErrNoAvailableArbitrator) {
		s.logger.WarnContext(ctx, "seat left vacant", "case_id", c.ID, "tier", c.CurrentTier, "seat", seat)
		return nil
	}
	return err
}

// liveSeats returns the live assignments at the case's current tier.
func (s *Service) liveSeats(ctx context.Context, tx pgx.Tx, c Case) ([]Assignment, error) {
	all, err := s.repo.CaseAssignments(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	live := make([]Assignment, 0, len(all))
	for _, a := range all {
		if a.Tier == c.CurrentTier && a.Status.Live() {
			live = append(live, a)
		}
	}
	return live, nil
}

// releaseLive closes every live assignment of the case, completing accepted
// ones when complete is set and expiring the rest.
func (s *Service) releaseLive(ctx context.Context, tx pgx.Tx, c Case, complete bool) ([]Assignment, error) {
	all, err := s.repo.CaseAssignments(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range all {
		a := &all[i]
		if !a.Status.Live() {
			continue
		}
		if complete && a.Status == AssignmentAccepted {
			a.Status = AssignmentCompleted
		} else {
			a.Status = AssignmentExpired
		}
		a.CompletedAt = &now
		if err := s.repo.UpdateAssignment(ctx, tx, *a); err != nil {
			return nil, err
		}
		if err := s.standing.ReleaseCaseload(ctx, tx, a.ArbitratorID); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// advanceIfSeated moves an OPEN or ESCALATED case forward once every live
// seat has been accepted: a single seat goes to ARBITRATION, a panel votes.
func (s *Service) advanceIfSeated(ctx context.Context, tx pgx.Tx, c *Case, actor string) (bool, error) {
	if c.Status != StatusOpen && c.Status != StatusEscalated {
		return false, nil
	}
	live, err := s.liveSeats(ctx, tx, *c)
	if err != nil {
		return false, err
	}
	if len(live) == 0 {
		return false, nil
	}
	for _, a := range live {
		if a.Status != AssignmentAccepted {
			return false, nil
		}
	}
	if len(live) == 1 {
		return true, transition(c, StatusArbitration)
	}
	return true, s.openVotingTx(ctx, tx, c, actor, len(live))
}

func (s *Service) openVotingTx(ctx context.Context, tx pgx.Tx, c *Case, actor string, seats int) error {
	if err := transition(c, StatusVoting); err != nil {
		return err
	}
	c.VotingRound++
	return s.timeline.Append(ctx, tx, c.ID, timeline.VotingOpened, actor, map[string]any{
		"round": c.VotingRound,
		"tier":  c.CurrentTier,
		"seats": seats,
	})
}

// lockAssignment locks the case and then the assignment, in that order, and
// checks the caller holds it.
func (s *Service) lockAssignment(ctx context.Context, tx pgx.Tx, assignmentID, arbitratorID string) (Case, Assignment, error) {
	ref, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Case{}, Assignment{}, err
	}
	c, err := s.repo.LockCase(ctx, tx, ref.CaseID)
	if err != nil {
		return Case{}, Assignment{}, err
	}
	a, err := s.repo.LockAssignment(ctx, tx, assignmentID)
	if err != nil {
		return Case{}, Assignment{}, err
	}
	if a.ArbitratorID != arbitratorID {
		return Case{}, Assignment{}, ErrNotAssignee
	}
	return c, a, nil
}

// AcceptAssignment records the arbitrator's acceptance. The decision window
// restarts from the acceptance.
func (s *Service) AcceptAssignment(ctx context.Context, assignmentID, arbitratorID string) (Assignment, error) {
	var out Assignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, a, err := s.lockAssignment(ctx, tx, assignmentID, arbitratorID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAssigned || a.Tier != c.CurrentTier {
			return fmt.Errorf("%w: assignment is %s", ErrAssignmentNotPending, a.Status)
		}
		if !c.Status.InProgress() {
			return fmt.Errorf("%w: case is %s", ErrInvalidTransition, c.Status)
		}

		now := s.now()
		a.Status = AssignmentAccepted
		a.AcceptedAt = &now
		a.Deadline = now.Add(AssignmentWindow(a.Tier))
		if err := s.repo.UpdateAssignment(ctx, tx, a); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.AssignmentAccepted, arbitratorID, map[string]any{
			"assignment_id": a.ID,
			"tier":          a.Tier,
			"seat":          a.Seat,
		}); err != nil {
			return err
		}

		advanced, err := s.advanceIfSeated(ctx, tx, &c, arbitratorID)
		if err != nil {
			return err
		}
		if advanced {
			if err := s.save(ctx, tx, &c); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.logger.InfoContext(ctx, "assignment accepted", "assignment_id", out.ID, "case_id", out.CaseID, "arbitrator_id", arbitratorID)
	return out, nil
}

// DeclineAssignment frees the seat and offers it to another arbitrator.
func (s *Service) DeclineAssignment(ctx context.Context, assignmentID, arbitratorID, reason string) (Assignment, error) {
	var out Assignment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, a, err := s.lockAssignment(ctx, tx, assignmentID, arbitratorID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAssigned {
			return fmt.Errorf("%w: assignment is %s", ErrAssignmentNotPending, a.Status)
		}

		now := s.now()
		a.Status = AssignmentDeclined
		a.CompletedAt = &now
		if err := s.repo.UpdateAssignment(ctx, tx, a); err != nil {
			return err
		}
		if err := s.standing.ReleaseCaseload(ctx, tx, a.ArbitratorID); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.AssignmentDeclined, arbitratorID, map[string]any{
			"assignment_id": a.ID,
			"tier":          a.Tier,
			"seat":          a.Seat,
			"reason":        reason,
		}); err != nil {
			return err
		}

		if c.Status.InProgress() && a.Tier == c.CurrentTier {
			if err := s.refillSeat(ctx, tx, &c, a.Seat); err != nil {
				return err
			}
			advanced, err := s.advanceIfSeated(ctx, tx, &c, SystemActor)
			if err != nil {
				return err
			}
			if advanced {
				if err := s.save(ctx, tx, &c); err != nil {
					return err
				}
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.logger.InfoContext(ctx, "assignment declined", "assignment_id", out.ID, "case_id", out.CaseID, "arbitrator_id", arbitratorID)
	return out, nil
}

func validateDecision(c Case, d Decision) error {
	if !d.Ruling.Final() {
		return apperr.Validationf("dispute: decision ruling %q is not final", d.Ruling)
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return apperr.Validationf("dispute: decision reasoning is required")
	}
	if d.Compensation != nil {
		if d.Compensation.IsNegative() || d.Compensation.GreaterThan(c.Amount) {
			return apperr.Validationf("dispute: compensation must be between 0 and the disputed amount")
		}
	}
	return nil
}

// SubmitDecision records a single arbitrator's ruling. A binding decision
// resolves the case; otherwise the case moves up a tier for review.
func (s *Service) SubmitDecision(ctx context.Context, assignmentID, arbitratorID string, d Decision) (Case, error) {
	var (
		out      Case
		resolved bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, a, err := s.lockAssignment(ctx, tx, assignmentID, arbitratorID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAccepted || a.Tier != c.CurrentTier {
			return fmt.Errorf("%w: assignment is %s", ErrAssignmentNotAccepted, a.Status)
		}
		if c.Status != StatusArbitration {
			return fmt.Errorf("%w: case is %s", ErrInvalidTransition, c.Status)
		}
		if err := validateDecision(c, d); err != nil {
			return err
		}

		now := s.now()
		a.Status = AssignmentCompleted
		a.CompletedAt = &now
		a.Decision = &d
		if err := s.repo.UpdateAssignment(ctx, tx, a); err != nil {
			return err
		}
		if err := s.standing.ReleaseCaseload(ctx, tx, a.ArbitratorID); err != nil {
			return err
		}
		if err := transition(&c, StatusUnderReview); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.DecisionSubmitted, arbitratorID, map[string]any{
			"assignment_id": a.ID,
			"tier":          a.Tier,
			"ruling":        string(d.Ruling),
			"binding":       s.policy.Binding(c.Type, c.CurrentTier),
		}); err != nil {
			return err
		}

		if s.policy.Binding(c.Type, c.CurrentTier) {
			if err := s.resolveTx(ctx, tx, &c, resolution{
				Ruling:       d.Ruling,
				Text:         d.Reasoning,
				Compensation: d.Compensation,
				By:           arbitratorID,
				Path:         PathDirectDecision,
			}); err != nil {
				return err
			}
			resolved = true
		} else if err := s.escalateTx(ctx, tx, &c, "decision_review", arbitratorID); err != nil {
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

	s.logger.InfoContext(ctx, "decision submitted",
		"case_id", out.ID,
		"assignment_id", assignmentID,
		"ruling", d.Ruling,
		"status", out.Status,
	)
	if resolved {
		s.Settle(ctx, out)
	}
	return out, nil
}

// OpenVoting starts a new voting round for the seated panel, typically after
// an evidence request.
func (s *Service) OpenVoting(ctx context.Context, caseID, actor string) (Case, error) {
	var out Case
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Status != StatusUnderReview && c.Status != StatusArbitration {
			return fmt.Errorf("%w: cannot open voting from %s", ErrInvalidTransition, c.Status)
		}
		live, err := s.liveSeats(ctx, tx, c)
		if err != nil {
			return err
		}
		accepted := 0
		for _, a := range live {
			if a.Status == AssignmentAccepted {
				accepted++
			}
		}
		if accepted == 0 {
			return fmt.Errorf("%w: no accepted seat at tier %d", ErrAssignmentNotAccepted, c.CurrentTier)
		}
		if err := s.openVotingTx(ctx, tx, &c, actor, len(live)); err != nil {
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
	s.logger.InfoContext(ctx, "voting opened", "case_id", out.ID, "round", out.VotingRound)
	return out, nil
}
