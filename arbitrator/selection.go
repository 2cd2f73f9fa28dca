package arbitrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	weightSuccess      = 0.4
	weightExperience   = 0.3
	weightAvailability = 0.2
	weightTier         = 0.1

	specializationBonus = 0.1
	recencyBonus        = 0.05
	recencyWindow       = 7 * 24 * time.Hour
	experienceCap       = 100
)

var (
	panelLargeAmount  = decimal.NewFromInt(100_000)
	panelMediumAmount = decimal.NewFromInt(10_000)
)

// RequiredArbitrators is the panel size for a case.
func RequiredArbitrators(amount decimal.Decimal, urgent, fraud bool) int {
	switch {
	case amount.GreaterThan(panelLargeAmount):
		return 5
	case amount.GreaterThan(panelMediumAmount):
		return 3
	case urgent || fraud:
		return 3
	default:
		return 1
	}
}

// Request asks the selector for Count arbitrators for a case at Tier.
type Request struct {
	CaseID string
	// CaseType earns a bonus for arbitrators listing it as a specialization.
	CaseType string
	Tier     int
	Count    int
	// Specialization, when set, is a hard filter.
	Specialization string
	Exclude        []string
}

// Eligible applies the pool filters in memory. Candidates already come
// filtered from the database; this guards against rows that changed between
// the query and the caseload reservation.
func Eligible(pool []Arbitrator, q CandidateQuery) []Arbitrator {
	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}
	out := make([]Arbitrator, 0, len(pool))
	for _, a := range pool {
		if !a.HasCapacity() || a.Tier.Rank() < q.MinTier.Rank() {
			continue
		}
		if q.Specialization != "" && !a.Specializes(q.Specialization) {
			continue
		}
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Score ranks a candidate; higher is better.
func Score(a Arbitrator, caseType string, now time.Time) float64 {
	experience := a.TotalCases
	if experience > experienceCap {
		experience = experienceCap
	}
	availability := 0.0
	if a.MaxCaseload > 0 {
		availability = 1 - float64(a.CurrentCaseload)/float64(a.MaxCaseload)
	}

	score := weightSuccess*a.SuccessRate() +
		weightExperience*float64(experience)/experienceCap +
		weightAvailability*availability +
		weightTier*float64(a.Tier.Rank())/float64(TierMaster.Rank())

	if caseType != "" && a.Specializes(caseType) {
		score += specializationBonus
	}
	if a.LastActiveAt != nil && now.Sub(*a.LastActiveAt) <= recencyWindow {
		score += recencyBonus
	}
	return score
}

// Rank orders candidates by score, highest first, ties broken by id.
func Rank(pool []Arbitrator, caseType string, now time.Time) []Arbitrator {
	type scored struct {
		a     Arbitrator
		score float64
	}
	items := make([]scored, len(pool))
	for i, a := range pool {
		items[i] = scored{a: a, score: Score(a, caseType, now)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].a.ID < items[j].a.ID
	})
	out := make([]Arbitrator, len(items))
	for i, it := range items {
		out[i] = it.a
	}
	return out
}

// Selector picks and reserves arbitrators inside the caller's transaction.
type Selector struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewSelector(repo Repository, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		repo:   repo,
		logger: logger.With("component", "arbitrator.selector"),
		now:    time.Now,
	}
}

func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Select returns up to req.Count arbitrators with their caseload already
// incremented. It widens once to the next lower tier when the pool is short
// and fails with ErrNoAvailableArbitrator only when nobody can be reserved.
func (s *Selector) Select(ctx context.Context, tx pgx.Tx, req Request) ([]Arbitrator, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("arbitrator: select count must be positive")
	}

	q := CandidateQuery{
		MinTier:        RequiredTier(req.Tier),
		Specialization: req.Specialization,
		Exclude:        req.Exclude,
	}
	pool, err := s.pool(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	if len(pool) < req.Count && q.MinTier.Rank() > TierJunior.Rank() {
		fallback := q
		fallback.MinTier = q.MinTier.Below()
		s.logger.WarnContext(ctx, "arbitrator capacity fallback",
			"case_id", req.CaseID,
			"required_tier", q.MinTier,
			"fallback_tier", fallback.MinTier,
			"available", len(pool),
			"needed", req.Count,
		)
		pool, err = s.pool(ctx, tx, fallback)
		if err != nil {
			return nil, err
		}
	}
	if len(pool) == 0 {
		return nil, ErrNoAvailableArbitrator
	}

	selected := make([]Arbitrator, 0, req.Count)
	for _, candidate := range Rank(pool, req.CaseType, s.now()) {
		if len(selected) == req.Count {
			break
		}
		ok, err := s.repo.ReserveCaseload(ctx, tx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candidate.CurrentCaseload++
		selected = append(selected, candidate)
	}
	if len(selected) == 0 {
		return nil, ErrNoAvailableArbitrator
	}

	s.logger.InfoContext(ctx, "arbitrators selected", "case_id", req.CaseID, "tier", req.Tier, "count", len(selected))
	return selected, nil
}

func (s *Selector) pool(ctx context.Context, tx pgx.Tx, q CandidateQuery) ([]Arbitrator, error) {
	rows, err := s.repo.Candidates(ctx, tx, q)
	if err != nil {
		return nil, err
	}
	return Eligible(rows, q), nil
}
