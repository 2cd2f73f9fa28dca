package dispute_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundshield/arbitrator"
	"fundshield/dispute"
	"fundshield/outbox"
	"fundshield/test/infra"
	"fundshield/timeline"
	"fundshield/voting"
)

type engine struct {
	registry *arbitrator.Registry
	cases    *dispute.Service
	votes    *voting.Service
	timeline *timeline.Recorder
	relay    *outbox.Relay
}

func newEngine(t *testing.T, policy dispute.Policy) engine {
	t.Helper()
	h := infra.Open(t)
	pool := h.Pool()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	arbRepo := arbitrator.NewRepository(pool)
	registry := arbitrator.NewRegistry(pool, arbRepo, logger)
	recorder := timeline.NewRecorder(pool)
	cases := dispute.NewService(pool, dispute.NewRepository(pool), arbitrator.NewSelector(arbRepo, logger),
		registry, recorder, outbox.NewWriter(), policy, logger)
	votes := voting.NewService(pool, voting.NewRepository(pool), cases, registry, recorder, logger)
	cases.WithCompleter(votes)
	return engine{
		registry: registry,
		cases:    cases,
		votes:    votes,
		timeline: recorder,
		relay:    outbox.NewRelay(outbox.NewStore(pool), nil, logger),
	}
}

func (e engine) seed(t *testing.T, ctx context.Context, n int, tier arbitrator.Tier) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a, err := e.registry.Register(ctx, arbitrator.RegisterInput{
			UserID: "it-" + uuid.NewString(),
			Tier:   tier,
			Status: arbitrator.StatusActive,
		})
		if err != nil {
			t.Fatalf("register arbitrator: %v", err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func (e engine) verifyTimeline(t *testing.T, ctx context.Context, caseID string, wantLast string) {
	t.Helper()
	entries, err := e.timeline.List(ctx, caseID)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if err := timeline.Verify(entries); err != nil {
		t.Fatalf("timeline does not verify: %v", err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Type != wantLast {
		t.Fatalf("expected timeline to end with %s, got %+v", wantLast, entries)
	}
}

func TestDirectDecision_Integration(t *testing.T) {
	policy := dispute.DefaultPolicy()
	policy.BindingTypes = map[dispute.Type]bool{dispute.TypeOther: true}
	e := newEngine(t, policy)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	arbs := e.seed(t, ctx, 1, arbitrator.TierSenior)

	c, err := e.cases.CreateCase(ctx, dispute.CreateCaseInput{
		Type:           dispute.TypeOther,
		InitiatorID:    "buyer-1",
		RespondentID:   "seller-1",
		EscrowID:       "esc-1",
		Amount:         decimal.NewFromInt(800),
		Currency:       "USD",
		Description:    "item arrived broken",
		IdempotencyKey: "it-direct-1",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	replay, err := e.cases.CreateCase(ctx, dispute.CreateCaseInput{
		Type:           dispute.TypeOther,
		InitiatorID:    "buyer-1",
		RespondentID:   "seller-1",
		EscrowID:       "esc-1",
		Amount:         decimal.NewFromInt(800),
		IdempotencyKey: "it-direct-1",
	})
	if err != nil || replay.ID != c.ID {
		t.Fatalf("idempotent replay returned %v, %v", replay.ID, err)
	}

	assignments, err := e.cases.ListAssignments(ctx, c.ID)
	if err != nil || len(assignments) != 1 || assignments[0].ArbitratorID != arbs[0] {
		t.Fatalf("expected one seat for %s, got %+v (%v)", arbs[0], assignments, err)
	}
	if _, err := e.cases.AcceptAssignment(ctx, assignments[0].ID, arbs[0]); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := e.cases.SubmitDecision(ctx, assignments[0].ID, arbs[0], dispute.Decision{
		Ruling:    dispute.RulingFavorClaimant,
		Reasoning: "photos show the damage",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != dispute.StatusResolved || got.ResolutionPath == nil || *got.ResolutionPath != dispute.PathDirectDecision {
		t.Fatalf("expected direct resolution, got %+v", got)
	}

	a, err := e.registry.Get(ctx, arbs[0])
	if err != nil {
		t.Fatalf("get arbitrator: %v", err)
	}
	if a.CurrentCaseload != 0 || a.TotalCases != 1 {
		t.Fatalf("expected released caseload and one finished case, got %+v", a)
	}
	e.verifyTimeline(t, ctx, c.ID, timeline.DisputeResolved)

	if n, err := e.relay.RunOnce(ctx); err != nil || n == 0 {
		t.Fatalf("relay delivered %d messages: %v", n, err)
	}
}

func TestPanelVote_Integration(t *testing.T) {
	e := newEngine(t, dispute.DefaultPolicy())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	arbs := e.seed(t, ctx, 3, arbitrator.TierSenior)

	c, err := e.cases.CreateCase(ctx, dispute.CreateCaseInput{
		Type:         dispute.TypeContractBreach,
		InitiatorID:  "buyer-2",
		RespondentID: "seller-2",
		EscrowID:     "esc-2",
		Amount:       decimal.NewFromInt(20_000),
		Currency:     "USD",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if c.RequiredArbitrators != 3 {
		t.Fatalf("expected a three seat panel, got %d", c.RequiredArbitrators)
	}

	assignments, err := e.cases.ListAssignments(ctx, c.ID)
	if err != nil || len(assignments) != 3 {
		t.Fatalf("expected three seats, got %d (%v)", len(assignments), err)
	}
	for _, a := range assignments {
		if _, err := e.cases.AcceptAssignment(ctx, a.ID, a.ArbitratorID); err != nil {
			t.Fatalf("accept %s: %v", a.ID, err)
		}
	}
	c, err = e.cases.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != dispute.StatusVoting || c.VotingRound != 1 {
		t.Fatalf("expected voting round 1, got %s round %d", c.Status, c.VotingRound)
	}

	ballots := map[string]dispute.Ruling{
		arbs[0]: dispute.RulingFavorRespondent,
		arbs[1]: dispute.RulingFavorRespondent,
		arbs[2]: dispute.RulingFavorClaimant,
	}
	for id, d := range ballots {
		if _, err := e.votes.SubmitVote(ctx, voting.SubmitInput{
			CaseID: c.ID, ArbitratorID: id, Decision: d, Reasoning: "reviewed", Nonce: "nonce-" + id,
		}); err != nil {
			t.Fatalf("submit vote %s: %v", id, err)
		}
	}
	if _, err := e.votes.RevealVote(ctx, c.ID, arbs[0], "wrong-nonce"); err == nil {
		t.Fatalf("expected a mismatched reveal to fail")
	}

	var last voting.RevealOutcome
	for _, id := range arbs {
		last, err = e.votes.RevealVote(ctx, c.ID, id, "nonce-"+id)
		if err != nil {
			t.Fatalf("reveal %s: %v", id, err)
		}
	}
	if !last.Quorum || !last.Resolved || last.Tally == nil || last.Tally.Winner != dispute.RulingFavorRespondent {
		t.Fatalf("expected respondent to win on quorum, got %+v", last)
	}

	c, err = e.cases.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != dispute.StatusResolved || *c.ResolutionPath != dispute.PathVoteTally {
		t.Fatalf("expected tally resolution, got %s", c.Status)
	}
	for _, id := range arbs {
		a, err := e.registry.Get(ctx, id)
		if err != nil {
			t.Fatalf("get arbitrator: %v", err)
		}
		if a.CurrentCaseload != 0 {
			t.Fatalf("arbitrator %s still holds %d cases", id, a.CurrentCaseload)
		}
	}
	e.verifyTimeline(t, ctx, c.ID, timeline.DisputeResolved)
}
