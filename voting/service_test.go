package voting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/db/dbtest"
	"fundshield/dispute"
)

type fakeVotes struct {
	mu    sync.Mutex
	votes []Vote
}

func (r *fakeVotes) Insert(_ context.Context, _ pgx.Tx, v Vote) (Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.votes {
		if existing.CaseID == v.CaseID && existing.Round == v.Round && existing.ArbitratorID == v.ArbitratorID {
			return Vote{}, ErrDuplicateVote
		}
	}
	r.votes = append(r.votes, v)
	return v, nil
}

func (r *fakeVotes) LockVote(_ context.Context, _ pgx.Tx, caseID string, round int, arbitratorID string) (Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.votes {
		if v.CaseID == caseID && v.Round == round && v.ArbitratorID == arbitratorID {
			return v, nil
		}
	}
	return Vote{}, ErrVoteNotFound
}

func (r *fakeVotes) MarkRevealed(_ context.Context, _ pgx.Tx, v Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.votes {
		if r.votes[i].ID == v.ID {
			if r.votes[i].IsRevealed {
				return ErrAlreadyRevealed
			}
			r.votes[i] = v
			return nil
		}
	}
	return ErrVoteNotFound
}

func (r *fakeVotes) RoundVotes(ctx context.Context, _ pgx.Tx, caseID string, round int) ([]Vote, error) {
	return r.Snapshot(ctx, caseID, round)
}

func (r *fakeVotes) Snapshot(_ context.Context, caseID string, round int) ([]Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Vote{}
	for _, v := range r.votes {
		if v.CaseID == caseID && v.Round == round {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *fakeVotes) Revealed(_ context.Context, caseID string) ([]Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Vote{}
	for _, v := range r.votes {
		if v.CaseID == caseID && v.IsRevealed {
			out = append(out, v)
		}
	}
	return out, nil
}

// fakeCases resolves a case in memory the way the case service does.
type fakeCases struct {
	cases    map[string]dispute.Case
	seats    map[string][]dispute.Assignment
	settled  []string
	evidence int
}

func (f *fakeCases) GetCase(_ context.Context, id string) (dispute.Case, error) {
	c, ok := f.cases[id]
	if !ok {
		return dispute.Case{}, dispute.ErrNotFound
	}
	return c, nil
}

func (f *fakeCases) LockCase(ctx context.Context, _ pgx.Tx, id string) (dispute.Case, error) {
	return f.GetCase(ctx, id)
}

func (f *fakeCases) LiveSeats(_ context.Context, _ pgx.Tx, c dispute.Case) ([]dispute.Assignment, error) {
	return f.seats[c.ID], nil
}

func (f *fakeCases) ResolveByTally(_ context.Context, _ pgx.Tx, c *dispute.Case, ruling dispute.Ruling, summary string) error {
	path := dispute.PathVoteTally
	c.Status = dispute.StatusResolved
	c.Ruling = &ruling
	c.Resolution = &summary
	c.ResolutionPath = &path
	f.cases[c.ID] = *c
	return nil
}

func (f *fakeCases) RequestEvidence(_ context.Context, _ pgx.Tx, c *dispute.Case, _ map[string]any) error {
	c.Status = dispute.StatusUnderReview
	f.cases[c.ID] = *c
	f.evidence++
	return nil
}

func (f *fakeCases) Settle(_ context.Context, c dispute.Case) {
	f.settled = append(f.settled, c.ID)
}

type fakeStanding struct {
	arbs     map[string]arbitrator.Arbitrator
	outcomes map[string]arbitrator.Outcome
}

func (f *fakeStanding) Lookup(_ context.Context, _ pgx.Tx, id string) (arbitrator.Arbitrator, error) {
	a, ok := f.arbs[id]
	if !ok {
		return arbitrator.Arbitrator{}, arbitrator.ErrNotFound
	}
	return a, nil
}

func (f *fakeStanding) ApplyOutcome(_ context.Context, _ pgx.Tx, id string, o arbitrator.Outcome) error {
	f.outcomes[id] = o
	return nil
}

type fakeTimeline struct {
	events []string
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, _, eventType, _ string, _ map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

type harness struct {
	svc      *Service
	pool     *dbtest.Pool
	votes    *fakeVotes
	cases    *fakeCases
	standing *fakeStanding
	timeline *fakeTimeline
}

// newHarness seats the given arbitrators on case-1, which is in round 1 of voting.
func newHarness(t *testing.T, panel ...arbitrator.Arbitrator) *harness {
	t.Helper()
	h := &harness{
		pool:     &dbtest.Pool{},
		votes:    &fakeVotes{},
		cases:    &fakeCases{cases: map[string]dispute.Case{}, seats: map[string][]dispute.Assignment{}},
		standing: &fakeStanding{arbs: map[string]arbitrator.Arbitrator{}, outcomes: map[string]arbitrator.Outcome{}},
		timeline: &fakeTimeline{},
	}
	h.cases.cases["case-1"] = dispute.Case{
		ID:          "case-1",
		Status:      dispute.StatusVoting,
		CurrentTier: 2,
		VotingRound: 1,
		Amount:      decimal.NewFromInt(20_000),
	}
	for i, a := range panel {
		h.standing.arbs[a.ID] = a
		h.cases.seats["case-1"] = append(h.cases.seats["case-1"], dispute.Assignment{
			ID:           "asg-" + a.ID,
			CaseID:       "case-1",
			ArbitratorID: a.ID,
			Tier:         2,
			Seat:         i + 1,
			Status:       dispute.AssignmentAccepted,
		})
	}
	ids := 0
	clock := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	h.svc = NewService(h.pool, h.votes, h.cases, h.standing, h.timeline, nil).
		WithIDGenerator(func() string {
			ids++
			return "vote-" + string(rune('a'+ids-1))
		}).
		WithClock(func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		})
	return h
}

func arb(id string, tier arbitrator.Tier, resolved, total int) arbitrator.Arbitrator {
	return arbitrator.Arbitrator{ID: id, Tier: tier, ResolvedCases: resolved, TotalCases: total, Status: arbitrator.StatusActive}
}

func (h *harness) commit(t *testing.T, arbitratorID string, d dispute.Ruling, nonce string) Receipt {
	t.Helper()
	r, err := h.svc.SubmitVote(context.Background(), SubmitInput{
		CaseID:       "case-1",
		ArbitratorID: arbitratorID,
		Decision:     d,
		Reasoning:    "reviewed the delivery record",
		Nonce:        nonce,
	})
	if err != nil {
		t.Fatalf("submit vote for %s: %v", arbitratorID, err)
	}
	return r
}

func TestSingleSeatRevealResolves(t *testing.T) {
	h := newHarness(t, arb("a1", arbitrator.TierSenior, 3, 4))

	r := h.commit(t, "a1", dispute.RulingFavorRespondent, "n-a1")
	if r.Round != 1 || r.CommitHash == "" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if d := r.Weight - 0.9; d > 1e-9 || d < -1e-9 {
		t.Fatalf("expected weight 0.9, got %v", r.Weight)
	}

	out, err := h.svc.RevealVote(context.Background(), "case-1", "a1", "n-a1")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if !out.Quorum || !out.Resolved || out.Status != dispute.StatusResolved {
		t.Fatalf("expected quorum and resolution, got %+v", out)
	}
	if out.Tally == nil || out.Tally.Winner != dispute.RulingFavorRespondent {
		t.Fatalf("unexpected tally: %+v", out.Tally)
	}
	c := h.cases.cases["case-1"]
	if c.Ruling == nil || *c.Ruling != dispute.RulingFavorRespondent {
		t.Fatalf("case not resolved with tally winner: %+v", c.Ruling)
	}
	if len(h.cases.settled) != 1 {
		t.Fatalf("expected settlement after commit, got %v", h.cases.settled)
	}
	if h.standing.outcomes["a1"] != arbitrator.OutcomePositive {
		t.Fatalf("expected positive feedback for the majority voter")
	}
	if h.pool.Committed() != 2 {
		t.Fatalf("expected two committed transactions, got %d", h.pool.Committed())
	}
}

func TestPanelWaitsForQuorum(t *testing.T) {
	h := newHarness(t,
		arb("a1", arbitrator.TierJunior, 1, 2),
		arb("a2", arbitrator.TierJunior, 1, 2),
		arb("a3", arbitrator.TierMaster, 9, 10),
	)
	h.commit(t, "a1", dispute.RulingFavorClaimant, "n1")
	h.commit(t, "a2", dispute.RulingFavorClaimant, "n2")
	h.commit(t, "a3", dispute.RulingFavorRespondent, "n3")

	for _, id := range []string{"a1", "a2"} {
		out, err := h.svc.RevealVote(context.Background(), "case-1", id, "n"+id[1:])
		if err != nil {
			t.Fatalf("reveal %s: %v", id, err)
		}
		if out.Quorum || out.Resolved {
			t.Fatalf("reveal %s should not reach quorum: %+v", id, out)
		}
	}
	if _, err := h.svc.RevealVote(context.Background(), "case-1", "a1", "n1"); !errors.Is(err, ErrAlreadyRevealed) {
		t.Fatalf("expected ErrAlreadyRevealed, got %v", err)
	}

	out, err := h.svc.RevealVote(context.Background(), "case-1", "a3", "n3")
	if err != nil {
		t.Fatalf("final reveal: %v", err)
	}
	if !out.Resolved || out.Tally.Winner != dispute.RulingFavorRespondent {
		t.Fatalf("expected weighted winner FAVOR_RESPONDENT, got %+v", out.Tally)
	}
	if h.standing.outcomes["a3"] != arbitrator.OutcomePositive ||
		h.standing.outcomes["a1"] != arbitrator.OutcomeNegative ||
		h.standing.outcomes["a2"] != arbitrator.OutcomeNegative {
		t.Fatalf("unexpected feedback: %v", h.standing.outcomes)
	}
}

func TestRevealWithWrongNonceRollsBack(t *testing.T) {
	h := newHarness(t, arb("a1", arbitrator.TierSenior, 1, 1))
	h.commit(t, "a1", dispute.RulingSplit, "right")

	_, err := h.svc.RevealVote(context.Background(), "case-1", "a1", "wrong")
	if !errors.Is(err, ErrInvalidReveal) {
		t.Fatalf("expected ErrInvalidReveal, got %v", err)
	}
	if apperr.KindOf(err) != apperr.Integrity {
		t.Fatalf("expected integrity kind, got %v", apperr.KindOf(err))
	}
	if tx := h.pool.Last(); tx.Committed || !tx.Rolled {
		t.Fatalf("expected rolled back reveal tx")
	}
	revealed, _ := h.svc.ListVotes(context.Background(), "case-1")
	if len(revealed) != 0 {
		t.Fatalf("failed reveal must not expose the ballot")
	}
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t, arb("a1", arbitrator.TierSenior, 1, 1))
	ctx := context.Background()

	_, err := h.svc.SubmitVote(ctx, SubmitInput{CaseID: "case-1", ArbitratorID: "a1", Decision: "MAYBE", Nonce: "n"})
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error for unknown decision, got %v", err)
	}
	_, err = h.svc.SubmitVote(ctx, SubmitInput{CaseID: "case-1", ArbitratorID: "a1", Decision: dispute.RulingSplit, Nonce: "  "})
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error for blank nonce, got %v", err)
	}
	_, err = h.svc.SubmitVote(ctx, SubmitInput{CaseID: "case-1", ArbitratorID: "outsider", Decision: dispute.RulingSplit, Nonce: "n"})
	if !errors.Is(err, ErrNotPanelist) {
		t.Fatalf("expected ErrNotPanelist, got %v", err)
	}

	h.commit(t, "a1", dispute.RulingSplit, "n")
	_, err = h.svc.SubmitVote(ctx, SubmitInput{CaseID: "case-1", ArbitratorID: "a1", Decision: dispute.RulingFavorClaimant, Nonce: "n2"})
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}

	c := h.cases.cases["case-1"]
	c.Status = dispute.StatusArbitration
	h.cases.cases["case-1"] = c
	_, err = h.svc.SubmitVote(ctx, SubmitInput{CaseID: "case-1", ArbitratorID: "a1", Decision: dispute.RulingSplit, Nonce: "n"})
	if !errors.Is(err, ErrVotingClosed) {
		t.Fatalf("expected ErrVotingClosed, got %v", err)
	}
}

func TestPendingSeatCannotVote(t *testing.T) {
	h := newHarness(t, arb("a1", arbitrator.TierSenior, 1, 1))
	h.cases.seats["case-1"][0].Status = dispute.AssignmentAssigned

	_, err := h.svc.SubmitVote(context.Background(), SubmitInput{CaseID: "case-1", ArbitratorID: "a1", Decision: dispute.RulingSplit, Nonce: "n"})
	if !errors.Is(err, ErrNotPanelist) {
		t.Fatalf("expected ErrNotPanelist for unaccepted seat, got %v", err)
	}
}

func TestEvidenceRequestReturnsCaseToReview(t *testing.T) {
	h := newHarness(t, arb("a1", arbitrator.TierSenior, 1, 1))
	h.commit(t, "a1", dispute.RulingRequireMoreEvidence, "n")

	out, err := h.svc.RevealVote(context.Background(), "case-1", "a1", "n")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if out.Resolved || out.Status != dispute.StatusUnderReview {
		t.Fatalf("expected case back in review, got %+v", out)
	}
	if h.cases.evidence != 1 || len(h.cases.settled) != 0 {
		t.Fatalf("expected one evidence request and no settlement")
	}
	if len(h.standing.outcomes) != 0 {
		t.Fatalf("no feedback until a final ruling")
	}
}

func TestTallyAndListHideSealedBallots(t *testing.T) {
	h := newHarness(t,
		arb("a1", arbitrator.TierSenior, 1, 1),
		arb("a2", arbitrator.TierSenior, 1, 1),
	)
	h.commit(t, "a1", dispute.RulingFavorClaimant, "n1")
	h.commit(t, "a2", dispute.RulingFavorRespondent, "n2")
	if _, err := h.svc.RevealVote(context.Background(), "case-1", "a1", "n1"); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	res, err := h.svc.GetTally(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if res.Counted != 1 || res.Winner != dispute.RulingFavorClaimant || res.Round != 1 {
		t.Fatalf("unexpected interim tally: %+v", res)
	}

	votes, err := h.svc.ListVotes(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(votes) != 1 || votes[0].ArbitratorID != "a1" {
		t.Fatalf("expected only the revealed ballot, got %+v", votes)
	}

	if _, err := h.svc.ListVotes(context.Background(), "missing"); !errors.Is(err, dispute.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteRoundAfterSeatExpiry(t *testing.T) {
	h := newHarness(t,
		arb("a1", arbitrator.TierSenior, 3, 4),
		arb("a2", arbitrator.TierSenior, 3, 4),
		arb("a3", arbitrator.TierSenior, 3, 4),
	)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		h.commit(t, id, dispute.RulingFavorClaimant, "n-"+id)
	}
	for _, id := range []string{"a1", "a2"} {
		if out, err := h.svc.RevealVote(ctx, "case-1", id, "n-"+id); err != nil || out.Quorum {
			t.Fatalf("reveal %s: quorum=%v err=%v", id, out.Quorum, err)
		}
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	c := h.cases.cases["case-1"]
	if done, err := h.svc.CompleteRound(ctx, tx, &c); err != nil || done {
		t.Fatalf("a3 still holds a live seat, got done=%v err=%v", done, err)
	}

	// a3's seat expired without a replacement.
	h.cases.seats["case-1"] = h.cases.seats["case-1"][:2]
	done, err := h.svc.CompleteRound(ctx, tx, &c)
	if err != nil || !done {
		t.Fatalf("expected the remaining reveals to resolve the case, got done=%v err=%v", done, err)
	}
	if c.Status != dispute.StatusResolved || *c.Ruling != dispute.RulingFavorClaimant {
		t.Fatalf("unexpected case after completion: %s %v", c.Status, c.Ruling)
	}
	if _, ok := h.standing.outcomes["a3"]; ok {
		t.Fatalf("unrevealed ballot must not earn feedback")
	}
	if h.standing.outcomes["a1"] != arbitrator.OutcomePositive || h.standing.outcomes["a2"] != arbitrator.OutcomePositive {
		t.Fatalf("unexpected feedback: %v", h.standing.outcomes)
	}
	if len(h.cases.settled) != 0 {
		t.Fatalf("settlement is left to the caller after commit, got %v", h.cases.settled)
	}

	if done, err := h.svc.CompleteRound(ctx, tx, &c); err != nil || done {
		t.Fatalf("a resolved case has no round to complete, got done=%v err=%v", done, err)
	}
}
