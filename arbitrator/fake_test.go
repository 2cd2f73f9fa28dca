package arbitrator

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
)

type fakeRepo struct {
	mu      sync.Mutex
	items   map[string]Arbitrator
	lostIDs map[string]bool
}

func newFakeRepo(list ...Arbitrator) *fakeRepo {
	r := &fakeRepo{items: map[string]Arbitrator{}, lostIDs: map[string]bool{}}
	for _, a := range list {
		r.items[a.ID] = a
	}
	return r
}

func (r *fakeRepo) Insert(_ context.Context, _ pgx.Tx, a Arbitrator) (Arbitrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.UserID == a.UserID {
			return Arbitrator{}, ErrAlreadyExists
		}
	}
	if a.ID == "" {
		a.ID = "arb-" + a.UserID
	}
	a.Reputation = 3.0
	r.items[a.ID] = a
	return a, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (Arbitrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Arbitrator{}, ErrNotFound
	}
	return a, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Arbitrator, error) {
	return r.Get(ctx, id)
}

func (r *fakeRepo) List(_ context.Context, f Filters) ([]Arbitrator, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Arbitrator{}
	for _, a := range r.items {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Tier != "" && a.Tier != f.Tier {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Arbitrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Arbitrator{}, ErrNotFound
	}
	a.Status = status
	r.items[id] = a
	return a, nil
}

func (r *fakeRepo) UpdateStanding(_ context.Context, _ pgx.Tx, a Arbitrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return ErrNotFound
	}
	r.items[a.ID] = a
	return nil
}

func (r *fakeRepo) Candidates(_ context.Context, _ pgx.Tx, q CandidateQuery) ([]Arbitrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Arbitrator, 0, len(r.items))
	for _, a := range r.items {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return Eligible(all, q), nil
}

func (r *fakeRepo) ReserveCaseload(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lostIDs[id] {
		return false, nil
	}
	a, ok := r.items[id]
	if !ok || !a.HasCapacity() {
		return false, nil
	}
	a.CurrentCaseload++
	r.items[id] = a
	return true, nil
}

func (r *fakeRepo) ReleaseCaseload(_ context.Context, _ pgx.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.items[id]
	if a.CurrentCaseload > 0 {
		a.CurrentCaseload--
	}
	r.items[id] = a
	return nil
}
