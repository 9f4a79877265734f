package denial

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// MemoryRepo is a Repository for tests and database-less development.
type MemoryRepo struct {
	mu      sync.RWMutex
	denials map[uuid.UUID]*Denial
	appeals map[uuid.UUID]*Appeal
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{denials: make(map[uuid.UUID]*Denial), appeals: make(map[uuid.UUID]*Appeal)}
}

func (r *MemoryRepo) CreateDenials(_ context.Context, ds []*Denial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		r.denials[d.ID] = d.clone()
	}
	return nil
}

func (r *MemoryRepo) GetDenial(_ context.Context, id uuid.UUID) (*Denial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.denials[id]
	if !ok {
		return nil, apperr.NotFound("denial", id.String())
	}
	return d.clone(), nil
}

func matchesFilter(d *Denial, f ListFilter) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			ok = ok || d.Status == s
		}
		if !ok {
			return false
		}
	}
	if len(f.Category) > 0 {
		ok := false
		for _, c := range f.Category {
			ok = ok || d.Category == c
		}
		if !ok {
			return false
		}
	}
	if f.ClaimID != nil && d.ClaimID != *f.ClaimID {
		return false
	}
	return f.PayerID == "" || d.PayerID == f.PayerID
}

func (r *MemoryRepo) sorted(keep func(*Denial) bool) []*Denial {
	var out []*Denial
	for _, d := range r.denials {
		if keep(d) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeniedAt.Equal(out[j].DeniedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].DeniedAt.After(out[j].DeniedAt)
	})
	return out
}

func (r *MemoryRepo) ListDenials(_ context.Context, f ListFilter) ([]*Denial, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.sorted(func(d *Denial) bool { return matchesFilter(d, f) })
	total := len(all)
	if f.Offset >= total {
		return []*Denial{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (r *MemoryRepo) ListByClaim(_ context.Context, claimID uuid.UUID) ([]*Denial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(d *Denial) bool { return d.ClaimID == claimID }), nil
}

func (r *MemoryRepo) ListSince(_ context.Context, since time.Time) ([]*Denial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(d *Denial) bool { return !d.DeniedAt.Before(since) }), nil
}

func (r *MemoryRepo) CountByAccount(_ context.Context, accountID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.denials {
		if d.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) UpdateDenial(_ context.Context, d *Denial, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.denials[d.ID]
	if !ok {
		return apperr.NotFound("denial", d.ID.String())
	}
	if cur.Version != expectedVersion {
		return &apperr.ConcurrentModificationError{Entity: "denial", ID: d.ID.String(), Version: expectedVersion}
	}
	r.denials[d.ID] = d.clone()
	return nil
}

func (r *MemoryRepo) CreateAppeal(_ context.Context, a *Appeal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	r.appeals[a.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetAppeal(_ context.Context, id uuid.UUID) (*Appeal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appeals[id]
	if !ok {
		return nil, apperr.NotFound("appeal", id.String())
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepo) ListAppeals(_ context.Context, denialID uuid.UUID) ([]*Appeal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appeal
	for _, a := range r.appeals {
		if a.DenialID == denialID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (r *MemoryRepo) ResolveAppeal(_ context.Context, id uuid.UUID, outcome Outcome, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appeals[id]
	if !ok {
		return apperr.NotFound("appeal", id.String())
	}
	if a.Outcome != OutcomePending {
		return &apperr.ConcurrentModificationError{Entity: "appeal", ID: id.String()}
	}
	a.Outcome = outcome
	a.ResolvedAt = &at
	return nil
}
