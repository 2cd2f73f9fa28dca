package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"fundshield/apperr"
	"fundshield/outbox"
	"fundshield/timeline"
)

// FileAppeal contests a resolution. Only the parties may appeal, within the
// appeal window and while a higher tier exists.
func (s *Service) FileAppeal(ctx context.Context, caseID, appellantID, reason string) (Appeal, error) {
	if strings.TrimSpace(reason) == "" {
		return Appeal{}, apperr.Validationf("dispute: appeal reason is required")
	}
	var out Appeal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !c.IsParty(appellantID) {
			return ErrNotParty
		}
		if c.Status != StatusResolved {
			return fmt.Errorf("%w: cannot appeal a %s case", ErrInvalidTransition, c.Status)
		}
		now := s.now()
		if c.ResolvedAt == nil || now.After(c.ResolvedAt.Add(s.policy.AppealWindow)) {
			return ErrAppealWindowClosed
		}
		total, _, err := s.repo.CountAppeals(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if total >= s.policy.MaxAppeals {
			return ErrAppealLimitReached
		}
		if c.CurrentTier >= MaxTier {
			return ErrTierLimitExceeded
		}

		appeal, err := s.repo.InsertAppeal(ctx, tx, Appeal{
			ID:          s.idGenerator(),
			CaseID:      c.ID,
			AppellantID: appellantID,
			Reason:      reason,
			Status:      AppealPending,
			FiledAt:     now,
		})
		if err != nil {
			return err
		}
		if err := transition(&c, StatusAppealed); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.AppealFiled, appellantID, map[string]any{
			"appeal_id": appeal.ID,
			"reason":    reason,
			"number":    total + 1,
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicAppealFiled, map[string]any{
			"case_id":     c.ID,
			"case_number": c.CaseNumber,
			"appeal_id":   appeal.ID,
		}); err != nil {
			return err
		}
		if err := s.save(ctx, tx, &c); err != nil {
			return err
		}
		out = appeal
		return nil
	})
	if err != nil {
		return Appeal{}, err
	}
	s.logger.InfoContext(ctx, "appeal filed", "case_id", caseID, "appeal_id", out.ID)
	return out, nil
}

// ReviewAppeal decides a pending appeal. Approval reopens the case one tier
// up with a fresh deadline; rejection restores the resolution.
func (s *Service) ReviewAppeal(ctx context.Context, appealID string, approve bool, reviewer, note string) (Appeal, Case, error) {
	var (
		outAppeal Appeal
		outCase   Case
	)
	// Lock order is case, then appeal, as in FileAppeal.
	filed, err := s.repo.GetAppeal(ctx, appealID)
	if err != nil {
		return Appeal{}, Case{}, err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.repo.LockCase(ctx, tx, filed.CaseID)
		if err != nil {
			return err
		}
		appeal, err := s.repo.LockAppeal(ctx, tx, appealID)
		if err != nil {
			return err
		}
		if appeal.Status != AppealPending {
			return ErrAppealNotPending
		}
		if c.Status != StatusAppealed {
			return fmt.Errorf("%w: case is %s", ErrInvalidTransition, c.Status)
		}

		now := s.now()
		appeal.ReviewedAt = &now
		appeal.ReviewedBy = &reviewer
		appeal.ReviewNote = &note
		if approve {
			appeal.Status = AppealApproved
		} else {
			appeal.Status = AppealRejected
		}
		if err := s.repo.UpdateAppeal(ctx, tx, appeal); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, c.ID, timeline.AppealReviewed, reviewer, map[string]any{
			"appeal_id": appeal.ID,
			"approved":  approve,
			"note":      note,
		}); err != nil {
			return err
		}

		if approve {
			c.Resolution = nil
			c.Ruling = nil
			c.ResolutionPath = nil
			c.CompensationAmount = nil
			c.CompensationRecipient = nil
			c.ResolvedBy = nil
			c.ResolvedAt = nil
			c.SettlementStatus = SettlementNone
			c.SettlementRef = nil
			deadlineIn, _ := Windows(c.Priority)
			c.Deadline = now.Add(deadlineIn)
			if err := s.escalateTx(ctx, tx, &c, "appeal", reviewer); err != nil {
				return err
			}
		} else if err := transition(&c, StatusResolved); err != nil {
			return err
		}

		if err := s.save(ctx, tx, &c); err != nil {
			return err
		}
		outAppeal, outCase = appeal, c
		return nil
	})
	if err != nil {
		return Appeal{}, Case{}, err
	}
	s.logger.InfoContext(ctx, "appeal reviewed",
		"case_id", outCase.ID,
		"appeal_id", outAppeal.ID,
		"approved", approve,
		"status", outCase.Status,
	)
	return outAppeal, outCase, nil
}
