package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fundshield/apperr"
	"fundshield/outbox"
	"fundshield/timeline"
)

const defaultSweepBatch = 100

// SweepKind names one scan of a sweep.
type SweepKind string

const (
	SweepEscalation SweepKind = "escalation"
	SweepExpiry     SweepKind = "expiry"
	SweepOverdue    SweepKind = "overdue_assignment"
	SweepClose      SweepKind = "close"
)

// SweepReport counts the cases each scan acted on.
type SweepReport map[SweepKind]int

// sweepCase claims one case with SKIP LOCKED, lets act re-check and mutate it,
// and stamps the sweep watermark. A case held by another transaction, or one
// act declines, is left untouched.
func (s *Service) sweepCase(ctx context.Context, caseID string, now time.Time, act func(tx pgx.Tx, c *Case) (bool, error)) (Case, bool, error) {
	var (
		out  Case
		done bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, claimed, err := s.repo.TryLockCase(ctx, tx, caseID)
		if err != nil || !claimed {
			return err
		}
		acted, err := act(tx, &c)
		if err != nil || !acted {
			return err
		}
		c.LastSweptAt = &now
		if err := s.save(ctx, tx, &c); err != nil {
			return err
		}
		out, done = c, true
		return nil
	})
	return out, done, err
}

func batch(limit int) int {
	if limit <= 0 {
		return defaultSweepBatch
	}
	return limit
}

// SweepEscalations escalates in-progress cases whose auto-escalation time has
// passed.
func (s *Service) SweepEscalations(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.DueEscalations(ctx, now, batch(limit))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		_, done, err := s.sweepCase(ctx, id, now, func(tx pgx.Tx, c *Case) (bool, error) {
			if !c.Status.InProgress() || c.CurrentTier >= MaxTier || c.AutoEscalationAt == nil ||
				c.AutoEscalationAt.After(now) || !c.Deadline.After(now) {
				return false, nil
			}
			return true, s.escalateTx(ctx, tx, c, "timeout", SystemActor)
		})
		if err != nil {
			s.logSweepFailure(ctx, SweepEscalation, id, err)
			continue
		}
		if done {
			count++
		}
	}
	return count, nil
}

// SweepExpired expires in-progress cases past their deadline and queues the
// default resolution for settlement.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.DueExpirations(ctx, now, batch(limit))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		c, done, err := s.sweepCase(ctx, id, now, func(tx pgx.Tx, c *Case) (bool, error) {
			if !c.Status.InProgress() || c.Deadline.After(now) {
				return false, nil
			}
			return true, s.expireTx(ctx, tx, c, now)
		})
		if err != nil {
			s.logSweepFailure(ctx, SweepExpiry, id, err)
			continue
		}
		if done {
			count++
			s.logger.InfoContext(ctx, "dispute expired", "case_id", c.ID, "default_ruling", s.policy.DefaultRuling)
			s.Settle(ctx, c)
		}
	}
	return count, nil
}

// CheckExpired runs the expiry scan at the current time.
func (s *Service) CheckExpired(ctx context.Context) (int, error) {
	return s.SweepExpired(ctx, s.now(), 0)
}

func (s *Service) expireTx(ctx context.Context, tx pgx.Tx, c *Case, now time.Time) error {
	if err := transition(c, StatusExpired); err != nil {
		return err
	}
	if _, err := s.releaseLive(ctx, tx, *c, false); err != nil {
		return err
	}
	s.applyResolution(c, resolution{
		Ruling: s.policy.DefaultRuling,
		Text:   "deadline passed without resolution",
		By:     SystemActor,
		Path:   PathExpiryDefault,
	}, now)

	if err := s.timeline.Append(ctx, tx, c.ID, timeline.DisputeExpired, SystemActor, map[string]any{
		"tier":           c.CurrentTier,
		"default_ruling": string(s.policy.DefaultRuling),
		"compensation":   c.CompensationAmount.String(),
	}); err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeExpired, map[string]any{
		"case_id":     c.ID,
		"case_number": c.CaseNumber,
		"ruling":      string(s.policy.DefaultRuling),
	})
}

// SweepOverdueAssignments expires live seats past their deadline and offers
// each seat to another arbitrator at the same tier. A voting round whose only
// missing reveal belonged to the expired seat is tallied in the same
// transaction.
func (s *Service) SweepOverdueAssignments(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := s.repo.OverdueAssignments(ctx, now, batch(limit))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, ref := range overdue {
		c, done, err := s.sweepCase(ctx, ref.CaseID, now, func(tx pgx.Tx, c *Case) (bool, error) {
			a, err := s.repo.LockAssignment(ctx, tx, ref.ID)
			if err != nil {
				return false, err
			}
			if !a.Status.Live() || a.Deadline.After(now) {
				return false, nil
			}
			a.Status = AssignmentExpired
			a.CompletedAt = &now
			if err := s.repo.UpdateAssignment(ctx, tx, a); err != nil {
				return false, err
			}
			if err := s.standing.ReleaseCaseload(ctx, tx, a.ArbitratorID); err != nil {
				return false, err
			}
			if err := s.timeline.Append(ctx, tx, c.ID, timeline.AssignmentExpired, SystemActor, map[string]any{
				"assignment_id": a.ID,
				"arbitrator_id": a.ArbitratorID,
				"tier":          a.Tier,
				"seat":          a.Seat,
			}); err != nil {
				return false, err
			}
			if c.Status.InProgress() && a.Tier == c.CurrentTier {
				if err := s.refillSeat(ctx, tx, c, a.Seat); err != nil {
					return false, err
				}
				if _, err := s.advanceIfSeated(ctx, tx, c, SystemActor); err != nil {
					return false, err
				}
				if c.Status == StatusVoting && s.completer != nil {
					if _, err := s.completer.CompleteRound(ctx, tx, c); err != nil {
						return false, err
					}
				}
			}
			return true, nil
		})
		if err != nil {
			s.logSweepFailure(ctx, SweepOverdue, ref.CaseID, err)
			continue
		}
		if done {
			count++
			if c.Status == StatusResolved {
				s.logger.InfoContext(ctx, "voting round closed after seat expiry", "case_id", c.ID, "ruling", *c.Ruling)
				s.Settle(ctx, c)
			}
		}
	}
	return count, nil
}

// SweepClosable closes resolved cases whose appeal window has passed.
func (s *Service) SweepClosable(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.Closable(ctx, now.Add(-s.policy.AppealWindow), batch(limit))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		_, done, err := s.sweepCase(ctx, id, now, func(tx pgx.Tx, c *Case) (bool, error) {
			if c.Status != StatusResolved || c.ResolvedAt == nil || now.Before(c.ResolvedAt.Add(s.policy.AppealWindow)) {
				return false, nil
			}
			_, pending, err := s.repo.CountAppeals(ctx, tx, c.ID)
			if err != nil || pending > 0 {
				return false, err
			}
			if err := transition(c, StatusClosed); err != nil {
				return false, err
			}
			if err := s.timeline.Append(ctx, tx, c.ID, timeline.DisputeClosed, SystemActor, map[string]any{
				"ruling": string(*c.Ruling),
			}); err != nil {
				return false, err
			}
			return true, s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeClosed, map[string]any{
				"case_id":     c.ID,
				"case_number": c.CaseNumber,
			})
		})
		if err != nil {
			s.logSweepFailure(ctx, SweepClose, id, err)
			continue
		}
		if done {
			count++
		}
	}
	return count, nil
}

// Sweep runs every scan once. A failing scan does not stop the later ones.
func (s *Service) Sweep(ctx context.Context, now time.Time, limit int) (SweepReport, error) {
	report := SweepReport{}
	scans := []struct {
		kind SweepKind
		run  func(context.Context, time.Time, int) (int, error)
	}{
		{SweepEscalation, s.SweepEscalations},
		{SweepExpiry, s.SweepExpired},
		{SweepOverdue, s.SweepOverdueAssignments},
		{SweepClose, s.SweepClosable},
	}
	var errs []error
	for _, scan := range scans {
		n, err := scan.run(ctx, now, limit)
		report[scan.kind] = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (s *Service) logSweepFailure(ctx context.Context, kind SweepKind, caseID string, err error) {
	if apperr.Is(err, apperr.Capacity) {
		s.logger.WarnContext(ctx, "sweep deferred", "kind", kind, "case_id", caseID, "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "sweep failed", "kind", kind, "case_id", caseID, "error", err)
}
