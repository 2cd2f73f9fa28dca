package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"fundshield/arbitrator"
)

type fakeRepo struct {
	mu          sync.Mutex
	cases       map[string]Case
	assignments []Assignment
	appeals     []Appeal
	keys        map[string]string
	held        map[string]bool
	seq         int
	// locks records row locks in the order they were taken.
	locks       []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		cases: map[string]Case{},
		keys:  map[string]string{},
		held:  map[string]bool{},
	}
}

func (r *fakeRepo) NextCaseNumber(_ context.Context, _ pgx.Tx, year int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("DSP-%d-%06d", year, r.seq), nil
}

func (r *fakeRepo) InsertCase(_ context.Context, _ pgx.Tx, c Case) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Version = 1
	r.cases[c.ID] = c
	return c, nil
}

func (r *fakeRepo) GetCase(_ context.Context, id string) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) LockCase(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	r.mu.Lock()
	r.locks = append(r.locks, "case:"+id)
	r.mu.Unlock()
	return r.GetCase(ctx, id)
}

func (r *fakeRepo) TryLockCase(ctx context.Context, _ pgx.Tx, id string) (Case, bool, error) {
	r.mu.Lock()
	held := r.held[id]
	r.mu.Unlock()
	if held {
		return Case{}, false, nil
	}
	c, err := r.GetCase(ctx, id)
	if err != nil {
		return Case{}, false, nil
	}
	return c, true, nil
}

func (r *fakeRepo) UpdateCase(_ context.Context, _ pgx.Tx, c Case) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cases[c.ID]
	if !ok || stored.Version != c.Version {
		return Case{}, ErrConcurrentUpdate
	}
	c.Version++
	r.cases[c.ID] = c
	return c, nil
}

func (r *fakeRepo) ListCases(_ context.Context, f Filters) ([]Case, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Case{}
	for _, c := range r.cases {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.PartyID != "" && !c.IsParty(f.PartyID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseNumber < out[j].CaseNumber })
	return out, len(out), nil
}

func (r *fakeRepo) ReserveIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.keys[key]; ok {
		return id, false, nil
	}
	r.keys[key] = ""
	return "", true, nil
}

func (r *fakeRepo) BindIdempotencyKey(_ context.Context, _ pgx.Tx, key, caseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = caseID
	return nil
}

func (r *fakeRepo) InsertAssignment(_ context.Context, _ pgx.Tx, a Assignment) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.assignments {
		if existing.CaseID == a.CaseID && existing.Status.Live() &&
			(existing.ArbitratorID == a.ArbitratorID || (existing.Tier == a.Tier && existing.Seat == a.Seat)) {
			return Assignment{}, ErrConcurrentUpdate
		}
	}
	r.assignments = append(r.assignments, a)
	return a, nil
}

func (r *fakeRepo) GetAssignment(_ context.Context, id string) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assignments {
		if a.ID == id {
			return a, nil
		}
	}
	return Assignment{}, ErrAssignmentNotFound
}

func (r *fakeRepo) LockAssignment(ctx context.Context, _ pgx.Tx, id string) (Assignment, error) {
	return r.GetAssignment(ctx, id)
}

func (r *fakeRepo) UpdateAssignment(_ context.Context, _ pgx.Tx, a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.assignments {
		if r.assignments[i].ID == a.ID {
			r.assignments[i] = a
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (r *fakeRepo) CaseAssignments(ctx context.Context, _ pgx.Tx, caseID string) ([]Assignment, error) {
	return r.ListAssignments(ctx, caseID)
}

func (r *fakeRepo) ListAssignments(_ context.Context, caseID string) ([]Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Assignment{}
	for _, a := range r.assignments {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertAppeal(_ context.Context, _ pgx.Tx, a Appeal) (Appeal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appeals = append(r.appeals, a)
	return a, nil
}

func (r *fakeRepo) GetAppeal(_ context.Context, id string) (Appeal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appeals {
		if a.ID == id {
			return a, nil
		}
	}
	return Appeal{}, ErrAppealNotFound
}

func (r *fakeRepo) LockAppeal(ctx context.Context, _ pgx.Tx, id string) (Appeal, error) {
	r.mu.Lock()
	r.locks = append(r.locks, "appeal:"+id)
	r.mu.Unlock()
	return r.GetAppeal(ctx, id)
}

func (r *fakeRepo) lockOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.locks...)
}

func (r *fakeRepo) resetLocks() {
	r.mu.Lock()
	r.locks = nil
	r.mu.Unlock()
}

func (r *fakeRepo) UpdateAppeal(_ context.Context, _ pgx.Tx, a Appeal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.appeals {
		if r.appeals[i].ID == a.ID {
			r.appeals[i] = a
			return nil
		}
	}
	return ErrAppealNotFound
}

func (r *fakeRepo) CountAppeals(_ context.Context, _ pgx.Tx, caseID string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, pending := 0, 0
	for _, a := range r.appeals {
		if a.CaseID != caseID {
			continue
		}
		total++
		if a.Status == AppealPending {
			pending++
		}
	}
	return total, pending, nil
}

func (r *fakeRepo) ListAppeals(_ context.Context, caseID string) ([]Appeal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Appeal{}
	for _, a := range r.appeals {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) DueEscalations(_ context.Context, now time.Time, limit int) ([]string, error) {
	return r.filter(limit, func(c Case) bool {
		return c.Status.InProgress() && c.CurrentTier < MaxTier && c.AutoEscalationAt != nil &&
			!c.AutoEscalationAt.After(now) && c.Deadline.After(now)
	}), nil
}

func (r *fakeRepo) DueExpirations(_ context.Context, now time.Time, limit int) ([]string, error) {
	return r.filter(limit, func(c Case) bool {
		return c.Status.InProgress() && !c.Deadline.After(now)
	}), nil
}

func (r *fakeRepo) OverdueAssignments(_ context.Context, now time.Time, limit int) ([]Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Assignment{}
	for _, a := range r.assignments {
		if a.Status.Live() && !a.Deadline.After(now) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) Closable(_ context.Context, resolvedBefore time.Time, limit int) ([]string, error) {
	return r.filter(limit, func(c Case) bool {
		return c.Status == StatusResolved && c.ResolvedAt != nil && !c.ResolvedAt.After(resolvedBefore)
	}), nil
}

func (r *fakeRepo) filter(limit int, keep func(Case) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for id, c := range r.cases {
		if keep(c) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *fakeRepo) live(caseID string) []Assignment {
	all, _ := r.ListAssignments(context.Background(), caseID)
	out := []Assignment{}
	for _, a := range all {
		if a.Status.Live() {
			out = append(out, a)
		}
	}
	return out
}

// fakeSelector hands out arbitrators in list order, honoring exclusions and
// a per-arbitrator capacity of one case.
type fakeSelector struct {
	mu       sync.Mutex
	pool     []string
	reserved map[string]int
	requests []arbitrator.Request
}

func newFakeSelector(ids ...string) *fakeSelector {
	return &fakeSelector{pool: ids, reserved: map[string]int{}}
}

func (f *fakeSelector) Select(_ context.Context, _ pgx.Tx, req arbitrator.Request) ([]arbitrator.Arbitrator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	excluded := map[string]bool{}
	for _, id := range req.Exclude {
		excluded[id] = true
	}
	out := []arbitrator.Arbitrator{}
	for _, id := range f.pool {
		if len(out) == req.Count {
			break
		}
		if excluded[id] || f.reserved[id] > 0 {
			continue
		}
		f.reserved[id]++
		out = append(out, arbitrator.Arbitrator{ID: id, Status: arbitrator.StatusActive})
	}
	if len(out) == 0 {
		return nil, arbitrator.ErrNoAvailableArbitrator
	}
	return out, nil
}

type fakeStanding struct {
	mu       sync.Mutex
	sel      *fakeSelector
	outcomes map[string][]arbitrator.Outcome
	released map[string]int
}

func newFakeStanding(sel *fakeSelector) *fakeStanding {
	return &fakeStanding{sel: sel, outcomes: map[string][]arbitrator.Outcome{}, released: map[string]int{}}
}

func (f *fakeStanding) ApplyOutcome(_ context.Context, _ pgx.Tx, id string, o arbitrator.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = append(f.outcomes[id], o)
	return nil
}

func (f *fakeStanding) ReleaseCaseload(_ context.Context, _ pgx.Tx, id string) error {
	f.mu.Lock()
	f.released[id]++
	f.mu.Unlock()
	if f.sel != nil {
		f.sel.mu.Lock()
		if f.sel.reserved[id] > 0 {
			f.sel.reserved[id]--
		}
		f.sel.mu.Unlock()
	}
	return nil
}

type recordedEvent struct {
	CaseID  string
	Type    string
	Actor   string
	Payload map[string]any
}

type fakeTimeline struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{CaseID: caseID, Type: eventType, Actor: actorID, Payload: payload})
	return nil
}

func (f *fakeTimeline) types(caseID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, e := range f.events {
		if e.CaseID == caseID {
			out = append(out, e.Type)
		}
	}
	return out
}

type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

type fakeSettler struct {
	mu       sync.Mutex
	requests []SettlementRequest
}

func (f *fakeSettler) Settle(_ context.Context, req SettlementRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}
