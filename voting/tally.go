package voting

import (
	"math"
	"sort"

	"fundshield/dispute"
)

const weightEpsilon = 1e-9

// Result is the outcome of a round.
type Result struct {
	Round         int                        `json:"round"`
	Winner        dispute.Ruling             `json:"winner,omitempty"`
	WinningWeight float64                    `json:"winning_weight"`
	TotalWeight   float64                    `json:"total_weight"`
	WinningPct    float64                    `json:"winning_pct"`
	Weights       map[dispute.Ruling]float64 `json:"weights"`
	Counted       int                        `json:"counted"`
	Rejected      int                        `json:"rejected"`
}

// Decided reports whether any vote was counted.
func (r Result) Decided() bool { return r.Counted > 0 }

// Tally sums the weights of revealed votes whose nonce still opens their
// commitment. Unrevealed votes are ignored. A tie between decisions goes to
// the decision of the earliest reveal among the tied ones.
func Tally(votes []Vote) Result {
	res := Result{Weights: map[dispute.Ruling]float64{}}
	counted := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if res.Round == 0 {
			res.Round = v.Round
		}
		if !v.IsRevealed {
			continue
		}
		if v.Nonce == nil || !v.Verifies(*v.Nonce) {
			res.Rejected++
			continue
		}
		res.Weights[v.Decision] += v.Weight
		res.TotalWeight += v.Weight
		counted = append(counted, v)
	}
	res.Counted = len(counted)
	if res.Counted == 0 {
		return res
	}

	best := 0.0
	for _, w := range res.Weights {
		best = math.Max(best, w)
	}
	tied := map[dispute.Ruling]bool{}
	for d, w := range res.Weights {
		if best-w <= weightEpsilon {
			tied[d] = true
		}
	}

	sort.SliceStable(counted, func(i, j int) bool {
		ri, rj := counted[i].RevealedAt, counted[j].RevealedAt
		switch {
		case ri == nil && rj == nil:
		case ri == nil:
			return false
		case rj == nil:
			return true
		case !ri.Equal(*rj):
			return ri.Before(*rj)
		}
		return counted[i].ID < counted[j].ID
	})
	for _, v := range counted {
		if tied[v.Decision] {
			res.Winner = v.Decision
			break
		}
	}
	res.WinningWeight = res.Weights[res.Winner]
	res.WinningPct = res.WinningWeight / res.TotalWeight
	return res
}
