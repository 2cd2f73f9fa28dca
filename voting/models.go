// Package voting runs the commit-reveal ballot of an arbitration panel and
// tallies the revealed votes into a ruling.
package voting

import (
	"time"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/dispute"
)

const (
	MinWeight = 0.1
	MaxWeight = 2.0
)

var (
	ErrVotingClosed    = apperr.New(apperr.StateConflict, "voting: case is not open for voting")
	ErrDuplicateVote   = apperr.New(apperr.StateConflict, "voting: vote already submitted this round")
	ErrAlreadyRevealed = apperr.New(apperr.StateConflict, "voting: vote already revealed")
	ErrVoteNotFound    = apperr.New(apperr.NotFound, "voting: no vote to reveal")
	ErrInvalidReveal   = apperr.New(apperr.Integrity, "voting: reveal does not match commitment")
	ErrNotPanelist     = apperr.New(apperr.Forbidden, "voting: arbitrator holds no accepted seat on this case")
)

// Vote is one arbitrator's ballot in one round.
type Vote struct {
	ID           string
	CaseID       string
	Round        int
	ArbitratorID string
	Decision     dispute.Ruling
	Reasoning    string
	Weight       float64
	CommitHash   string
	Nonce        *string
	IsCommitted  bool
	IsRevealed   bool
	CommittedAt  time.Time
	RevealedAt   *time.Time
}

type SubmitInput struct {
	CaseID       string
	ArbitratorID string
	Decision     dispute.Ruling
	Reasoning    string
	Nonce        string
}

// Receipt is what the voter gets back on submission. It carries the
// commitment, never the decision.
type Receipt struct {
	VoteID     string  `json:"vote_id"`
	CaseID     string  `json:"case_id"`
	Round      int     `json:"round"`
	CommitHash string  `json:"commit_hash"`
	Weight     float64 `json:"weight"`
}

// RevealOutcome reports what a reveal triggered.
type RevealOutcome struct {
	Vote     Vote
	Quorum   bool
	Tally    *Result
	Resolved bool
	Status   dispute.Status
}

// Weight is the voting weight of an arbitrator: success rate scaled by the
// tier multiplier, clamped to [MinWeight, MaxWeight].
func Weight(a arbitrator.Arbitrator) float64 {
	w := 1.0 * a.SuccessRate() * a.Tier.Multiplier()
	switch {
	case w < MinWeight:
		return MinWeight
	case w > MaxWeight:
		return MaxWeight
	default:
		return w
	}
}
