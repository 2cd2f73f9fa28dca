package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundshield/apperr"
	"fundshield/db/dbtest"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func active(id string, tier Tier, load, max int) Arbitrator {
	return Arbitrator{ID: id, UserID: "u-" + id, Status: StatusActive, Tier: tier, Reputation: 3, CurrentCaseload: load, MaxCaseload: max}
}

func TestRequiredArbitrators(t *testing.T) {
	cases := []struct {
		amount string
		urgent bool
		fraud  bool
		want   int
	}{
		{"150000", true, true, 5},
		{"100000", false, false, 3},
		{"100000.01", false, false, 5},
		{"10000", false, false, 1},
		{"10000.01", false, false, 3},
		{"500", true, false, 3},
		{"500", false, true, 3},
		{"500", false, false, 1},
	}
	for _, tc := range cases {
		got := RequiredArbitrators(decimal.RequireFromString(tc.amount), tc.urgent, tc.fraud)
		assert.Equal(t, tc.want, got, "amount=%s urgent=%v fraud=%v", tc.amount, tc.urgent, tc.fraud)
	}
}

func TestScoreWeights(t *testing.T) {
	recent := fixedNow.Add(-48 * time.Hour)
	a := Arbitrator{
		ID: "a", Status: StatusActive, Tier: TierExpert,
		TotalCases: 50, ResolvedCases: 40,
		CurrentCaseload: 1, MaxCaseload: 5,
		Specializations: []string{"FRAUD_CLAIM"},
	}
	// 0.4*0.8 + 0.3*0.5 + 0.2*0.8 + 0.1*0.75
	assert.InDelta(t, 0.705, Score(a, "OTHER", fixedNow), 1e-9)
	assert.InDelta(t, 0.805, Score(a, "FRAUD_CLAIM", fixedNow), 1e-9)

	a.LastActiveAt = &recent
	assert.InDelta(t, 0.855, Score(a, "FRAUD_CLAIM", fixedNow), 1e-9)

	stale := fixedNow.Add(-8 * 24 * time.Hour)
	a.LastActiveAt = &stale
	assert.InDelta(t, 0.805, Score(a, "FRAUD_CLAIM", fixedNow), 1e-9)
}

func TestRankTieBreaksByID(t *testing.T) {
	pool := []Arbitrator{active("b", TierJunior, 0, 5), active("a", TierJunior, 0, 5)}
	ranked := Rank(pool, "", fixedNow)
	assert.Equal(t, "a", ranked[0].ID)
	assert.Equal(t, "b", ranked[1].ID)
}

func TestSelectReservesTopCandidates(t *testing.T) {
	repo := newFakeRepo(
		active("busy", TierSenior, 4, 5),
		active("free", TierSenior, 0, 5),
		active("full", TierMaster, 5, 5),
		active("junior", TierJunior, 0, 5),
	)
	sel := NewSelector(repo, nil).WithClock(func() time.Time { return fixedNow })

	got, err := sel.Select(context.Background(), &dbtest.Tx{}, Request{CaseID: "c1", Tier: 2, Count: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "free", got[0].ID)
	assert.Equal(t, 1, repo.items["free"].CurrentCaseload)
	assert.Equal(t, 4, repo.items["busy"].CurrentCaseload)
}

func TestSelectFallsBackOneTier(t *testing.T) {
	repo := newFakeRepo(active("s1", TierSenior, 0, 5), active("j1", TierJunior, 0, 5))
	sel := NewSelector(repo, nil).WithClock(func() time.Time { return fixedNow })

	got, err := sel.Select(context.Background(), &dbtest.Tx{}, Request{CaseID: "c1", Tier: 3, Count: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID, "fallback widens to senior, not junior")
}

func TestSelectNoneAvailable(t *testing.T) {
	repo := newFakeRepo(active("j1", TierJunior, 5, 5))
	sel := NewSelector(repo, nil)

	_, err := sel.Select(context.Background(), &dbtest.Tx{}, Request{CaseID: "c1", Tier: 1, Count: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAvailableArbitrator))
	assert.Equal(t, apperr.Capacity, apperr.KindOf(err))
}

func TestSelectSkipsLostReservation(t *testing.T) {
	repo := newFakeRepo(active("a", TierJunior, 0, 5), active("b", TierJunior, 0, 5))
	repo.lostIDs["a"] = true
	sel := NewSelector(repo, nil).WithClock(func() time.Time { return fixedNow })

	got, err := sel.Select(context.Background(), &dbtest.Tx{}, Request{Tier: 1, Count: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestSelectHonoursSpecializationAndExclusions(t *testing.T) {
	a := active("a", TierJunior, 0, 5)
	a.Specializations = []string{"crypto"}
	b := active("b", TierJunior, 0, 5)
	b.Specializations = []string{"crypto"}
	repo := newFakeRepo(a, b, active("c", TierJunior, 0, 5))
	sel := NewSelector(repo, nil)

	got, err := sel.Select(context.Background(), &dbtest.Tx{}, Request{Tier: 1, Count: 3, Specialization: "crypto", Exclude: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestSelectionCountProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("selected count is min(N, eligible) and each load grows by one", prop.ForAll(
		func(loads []int, n int) bool {
			list := make([]Arbitrator, len(loads))
			for i, l := range loads {
				list[i] = active(fmt.Sprintf("arb-%02d", i), TierJunior, l, 3)
			}
			repo := newFakeRepo(list...)
			eligible := len(Eligible(list, CandidateQuery{MinTier: TierJunior}))

			got, err := NewSelector(repo, nil).Select(context.Background(), &dbtest.Tx{}, Request{Tier: 1, Count: n})
			if eligible == 0 {
				return errors.Is(err, ErrNoAvailableArbitrator)
			}
			if err != nil {
				return false
			}
			want := n
			if eligible < want {
				want = eligible
			}
			if len(got) != want {
				return false
			}
			for _, a := range got {
				before := loads[indexOf(list, a.ID)]
				if repo.items[a.ID].CurrentCaseload != before+1 || a.CurrentCaseload != before+1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 3)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func indexOf(list []Arbitrator, id string) int {
	for i, a := range list {
		if a.ID == id {
			return i
		}
	}
	return -1
}
