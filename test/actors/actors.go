// Package actors drives the engine's public operations concurrently for the
// stress test. Actors tolerate every classified rejection the engine may give
// under contention and fail only on errors that mean the actor itself sent a
// malformed request.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/dispute"
	"fundshield/outbox"
	"fundshield/voting"
)

// Engine bundles the services the actors call.
type Engine struct {
	Cases       *dispute.Service
	Votes       *voting.Service
	Arbitrators *arbitrator.Registry
	Relay       *outbox.Relay
}

// Stats counts actor outcomes across the run.
type Stats struct {
	Created   atomic.Int64
	Accepted  atomic.Int64
	Decided   atomic.Int64
	Votes     atomic.Int64
	Reveals   atomic.Int64
	Appeals   atomic.Int64
	Swept     atomic.Int64
	Relayed   atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d accepted=%d decided=%d votes=%d reveals=%d appeals=%d swept=%d relayed=%d rejected=%d transient=%d",
		s.Created.Load(), s.Accepted.Load(), s.Decided.Load(), s.Votes.Load(), s.Reveals.Load(),
		s.Appeals.Load(), s.Swept.Load(), s.Relayed.Load(), s.Rejected.Load(), s.Transient.Load())
}

// observe classifies err. It returns a non-nil error only for validation
// failures, which point at the actor rather than the engine.
func (s *Stats) observe(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) == apperr.Validation:
		return fmt.Errorf("%s: %w", op, err)
	case apperr.KindOf(err) == apperr.Internal:
		s.Transient.Add(1)
	default:
		s.Rejected.Add(1)
	}
	return nil
}

// lockedRand is a rand.Rand safe for the actor goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRand(seed int64) *lockedRand { return &lockedRand{rng: rand.New(rand.NewSource(seed))} }

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func pause(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

var caseTypes = []dispute.Type{
	dispute.TypePaymentNotReceived,
	dispute.TypeItemNotAsDescribed,
	dispute.TypeServiceNotRendered,
	dispute.TypeFraudClaim,
	dispute.TypeContractBreach,
	dispute.TypeOther,
}

var finalRulings = []dispute.Ruling{dispute.RulingFavorClaimant, dispute.RulingFavorRespondent, dispute.RulingSplit}

// Claimant opens cases between a small set of parties. Every fifth request
// replays an earlier idempotency key.
func Claimant(ctx context.Context, e Engine, stats *Stats, parties []string, seed int64, stop <-chan struct{}) error {
	rng := newRand(seed)
	n := 0
	for pause(ctx, stop, time.Duration(20+rng.Intn(40))*time.Millisecond) {
		n++
		key := fmt.Sprintf("claim-%d-%d", seed, n)
		if n > 1 && rng.Intn(5) == 0 {
			key = fmt.Sprintf("claim-%d-%d", seed, n-1)
		}
		initiator := parties[rng.Intn(len(parties))]
		respondent := parties[(rng.Intn(len(parties)-1)+1+indexOf(parties, initiator))%len(parties)]
		_, err := e.Cases.CreateCase(ctx, dispute.CreateCaseInput{
			Type:           caseTypes[rng.Intn(len(caseTypes))],
			InitiatorID:    initiator,
			RespondentID:   respondent,
			EscrowID:       fmt.Sprintf("esc-%d-%d", seed, n),
			Amount:         decimal.NewFromInt(int64(50 + rng.Intn(150_000))),
			Currency:       "USD",
			Description:    "stress claim",
			IdempotencyKey: key,
		})
		if err == nil {
			stats.Created.Add(1)
		}
		if err := stats.observe("create case", err); err != nil {
			return err
		}
	}
	return nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return 0
}

// Arbitrator works the seats held by one arbitrator: accepts or declines new
// assignments, rules on single-seat cases and votes on panels.
func Arbitrator(ctx context.Context, e Engine, stats *Stats, arbitratorID string, seed int64, stop <-chan struct{}) error {
	rng := newRand(seed)
	for pause(ctx, stop, time.Duration(30+rng.Intn(60))*time.Millisecond) {
		cases, _, err := e.Cases.ListCases(ctx, dispute.Filters{ArbitratorID: arbitratorID, PageSize: 20})
		if err := stats.observe("list cases", err); err != nil {
			return err
		}
		for _, c := range cases {
			if !c.Status.InProgress() {
				continue
			}
			if err := work(ctx, e, stats, rng, arbitratorID, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func work(ctx context.Context, e Engine, stats *Stats, rng *lockedRand, arbitratorID string, c dispute.Case) error {
	if c.Status == dispute.StatusVoting {
		return vote(ctx, e, stats, rng, arbitratorID, c)
	}
	assignments, err := e.Cases.ListAssignments(ctx, c.ID)
	if err := stats.observe("list assignments", err); err != nil {
		return err
	}
	for _, a := range assignments {
		if a.ArbitratorID != arbitratorID || a.Tier != c.CurrentTier {
			continue
		}
		switch a.Status {
		case dispute.AssignmentAssigned:
			if rng.Intn(8) == 0 {
				_, err := e.Cases.DeclineAssignment(ctx, a.ID, arbitratorID, "conflict of interest")
				if err := stats.observe("decline", err); err != nil {
					return err
				}
				continue
			}
			_, err := e.Cases.AcceptAssignment(ctx, a.ID, arbitratorID)
			if err == nil {
				stats.Accepted.Add(1)
			}
			if err := stats.observe("accept", err); err != nil {
				return err
			}
		case dispute.AssignmentAccepted:
			if c.Status != dispute.StatusArbitration {
				continue
			}
			ruling := finalRulings[rng.Intn(len(finalRulings))]
			var comp *decimal.Decimal
			if ruling == dispute.RulingSplit {
				half := c.Amount.Div(decimal.NewFromInt(2)).Round(2)
				comp = &half
			}
			_, err := e.Cases.SubmitDecision(ctx, a.ID, arbitratorID, dispute.Decision{
				Ruling:       ruling,
				Reasoning:    "evidence reviewed",
				Compensation: comp,
			})
			if err == nil {
				stats.Decided.Add(1)
			}
			if err := stats.observe("decide", err); err != nil {
				return err
			}
		}
	}
	return nil
}

// nonce is derived from the ballot so the reveal needs no shared memory.
func nonce(caseID string, round int, arbitratorID string) string {
	return fmt.Sprintf("%s/%d/%s", caseID, round, arbitratorID)
}

func vote(ctx context.Context, e Engine, stats *Stats, rng *lockedRand, arbitratorID string, c dispute.Case) error {
	n := nonce(c.ID, c.VotingRound, arbitratorID)
	decisions := append([]dispute.Ruling{dispute.RulingRequireMoreEvidence}, finalRulings...)
	_, err := e.Votes.SubmitVote(ctx, voting.SubmitInput{
		CaseID:       c.ID,
		ArbitratorID: arbitratorID,
		Decision:     decisions[rng.Intn(len(decisions))],
		Reasoning:    "panel opinion",
		Nonce:        n,
	})
	if err == nil {
		stats.Votes.Add(1)
	}
	if err := stats.observe("submit vote", err); err != nil {
		return err
	}
	_, err = e.Votes.RevealVote(ctx, c.ID, arbitratorID, n)
	if err == nil {
		stats.Reveals.Add(1)
	}
	return stats.observe("reveal vote", err)
}

// Admin intervenes on random open cases: opens voting, escalates or resolves
// manually, and reviews pending appeals.
func Admin(ctx context.Context, e Engine, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := newRand(seed)
	for pause(ctx, stop, time.Duration(80+rng.Intn(120))*time.Millisecond) {
		cases, _, err := e.Cases.ListCases(ctx, dispute.Filters{PageSize: 50})
		if err := stats.observe("list cases", err); err != nil {
			return err
		}
		if len(cases) == 0 {
			continue
		}
		c := cases[rng.Intn(len(cases))]
		switch {
		case c.Status == dispute.StatusAppealed:
			appeals, err := e.Cases.ListAppeals(ctx, c.ID)
			if err := stats.observe("list appeals", err); err != nil {
				return err
			}
			for _, a := range appeals {
				if a.Status != dispute.AppealPending {
					continue
				}
				_, _, err := e.Cases.ReviewAppeal(ctx, a.ID, rng.Intn(2) == 0, "admin", "reviewed")
				if err := stats.observe("review appeal", err); err != nil {
					return err
				}
			}
		case c.Status.InProgress():
			switch rng.Intn(4) {
			case 0:
				_, err = e.Cases.Escalate(ctx, c.ID, "manual", "admin")
			case 1:
				_, err = e.Cases.OpenVoting(ctx, c.ID, "admin")
			case 2:
				_, err = e.Cases.Resolve(ctx, c.ID, dispute.ResolveInput{
					Ruling:     finalRulings[rng.Intn(len(finalRulings))],
					Resolution: "settled by administrator",
					ResolvedBy: "admin",
					Settle:     true,
				})
			default:
				continue
			}
			if err := stats.observe("admin action", err); err != nil {
				return err
			}
		}
	}
	return nil
}

// Appellant appeals resolved cases on behalf of their initiator.
func Appellant(ctx context.Context, e Engine, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := newRand(seed)
	for pause(ctx, stop, time.Duration(100+rng.Intn(150))*time.Millisecond) {
		cases, _, err := e.Cases.ListCases(ctx, dispute.Filters{Status: dispute.StatusResolved, PageSize: 20})
		if err := stats.observe("list resolved", err); err != nil {
			return err
		}
		if len(cases) == 0 {
			continue
		}
		c := cases[rng.Intn(len(cases))]
		_, err = e.Cases.FileAppeal(ctx, c.ID, c.InitiatorID, "the ruling ignored the shipping receipt")
		if err == nil {
			stats.Appeals.Add(1)
		}
		if err := stats.observe("file appeal", err); err != nil {
			return err
		}
	}
	return nil
}

// Sweeper runs the periodic scans with a clock that jumps up to skew ahead,
// so escalation and expiry deadlines fall due during the run.
func Sweeper(ctx context.Context, e Engine, stats *Stats, skew time.Duration, seed int64, stop <-chan struct{}) error {
	rng := newRand(seed)
	for pause(ctx, stop, time.Duration(200+rng.Intn(300))*time.Millisecond) {
		at := time.Now().Add(time.Duration(rng.Intn(int(skew/time.Minute))) * time.Minute)
		report, err := e.Cases.Sweep(ctx, at, 25)
		for _, n := range report {
			stats.Swept.Add(int64(n))
		}
		if err := stats.observe("sweep", err); err != nil {
			return err
		}
	}
	return nil
}

// Relay drains the outbox.
func Relay(ctx context.Context, e Engine, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 100*time.Millisecond) {
		n, err := e.Relay.RunOnce(ctx)
		stats.Relayed.Add(int64(n))
		if err := stats.observe("relay", err); err != nil {
			return err
		}
	}
	return nil
}
