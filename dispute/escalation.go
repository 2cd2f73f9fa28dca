package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fundshield/outbox"
	"fundshield/timeline"
)

// escalateTx moves the case one tier up and seats a fresh panel. Live seats
// of the old tier are expired and their caseload released.
func (s *Service) escalateTx(ctx context.Context, tx pgx.Tx, c *Case, reason, actor string) error {
	if c.CurrentTier >= MaxTier {
		return ErrTierLimitExceeded
	}
	if !CanTransition(c.Status, StatusEscalated) {
		return fmt.Errorf("%w: cannot escalate from %s", ErrInvalidTransition, c.Status)
	}
	if _, err := s.releaseLive(ctx, tx, *c, false); err != nil {
		return err
	}

	from := c.CurrentTier
	c.CurrentTier++
	c.Status = StatusEscalated
	if c.CurrentTier >= MaxTier {
		c.AutoEscalationAt = nil
	} else {
		_, escalateIn := Windows(c.Priority)
		next := s.now().Add(escalateIn)
		c.AutoEscalationAt = &next
	}

	if err := s.timeline.Append(ctx, tx, c.ID, timeline.DisputeEscalated, actor, map[string]any{
		"from_tier": from,
		"to_tier":   c.CurrentTier,
		"reason":    reason,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeEscalated, map[string]any{
		"case_id":     c.ID,
		"case_number": c.CaseNumber,
		"from_tier":   from,
		"to_tier":     c.CurrentTier,
		"reason":      reason,
	}); err != nil {
		return err
	}

	_, err := s.assignSeats(ctx, tx, c, seatRange(c.RequiredArbitrators))
	return err
}

// Escalate moves an in-progress case to the next tier. At the top tier it
// fails with ErrTierLimitExceeded and changes nothing.
func (s *Service) Escalate(ctx context.Context, caseID, reason, actor string) (Case, error) {
	if reason == "" {
		reason = "manual"
	}
	var out Case
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.InProgress() {
			return fmt.Errorf("%w: cannot escalate from %s", ErrInvalidTransition, c.Status)
		}
		if err := s.escalateTx(ctx, tx, &c, reason, actor); err != nil {
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
	s.logger.InfoContext(ctx, "dispute escalated", "case_id", out.ID, "tier", out.CurrentTier, "reason", reason)
	return out, nil
}
