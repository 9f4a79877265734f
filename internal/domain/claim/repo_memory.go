package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// MemoryRepo is a mutex-guarded Repository for development and tests. It
// stores copies so callers never share state with the store.
type MemoryRepo struct {
	mu     sync.RWMutex
	claims map[uuid.UUID]*Claim
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{claims: make(map[uuid.UUID]*Claim)}
}

func (r *MemoryRepo) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ClearinghouseID != "" {
		for _, other := range r.claims {
			if other.ClearinghouseID == c.ClearinghouseID {
				return apperr.Validation("clearinghouse_id", "already assigned to claim %s", other.ID)
			}
		}
	}
	for i := range c.Lines {
		if c.Lines[i].ID == uuid.Nil {
			c.Lines[i].ID = uuid.New()
		}
	}
	r.claims[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, apperr.NotFound("claim", id.String())
	}
	return c.clone(), nil
}

func (r *MemoryRepo) GetByClearinghouseID(_ context.Context, clearinghouseID string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.claims {
		if c.ClearinghouseID != "" && c.ClearinghouseID == clearinghouseID {
			return c.clone(), nil
		}
	}
	return nil, apperr.NotFound("claim", clearinghouseID)
}

func (r *MemoryRepo) Update(_ context.Context, c *Claim, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.claims[c.ID]
	if !ok {
		return apperr.NotFound("claim", c.ID.String())
	}
	if cur.Version != expectedVersion {
		return &apperr.ConcurrentModificationError{Entity: "claim", ID: c.ID.String(), Version: expectedVersion}
	}
	r.claims[c.ID] = c.clone()
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Claim
	for _, c := range r.claims {
		if !matches(c, f) {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	total := len(out)
	if f.Offset >= total {
		return []*Claim{}, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func matches(c *Claim, f ListFilter) bool {
	if f.AccountID != nil && c.AccountID != *f.AccountID {
		return false
	}
	if f.PayerID != "" && c.PayerID != f.PayerID {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if c.Status == s {
			return true
		}
	}
	return false
}

func (r *MemoryRepo) ListForSync(_ context.Context, statuses []Status, syncedBefore time.Time, limit int) ([]*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Claim
	for _, c := range r.claims {
		if !matches(c, ListFilter{Status: statuses}) {
			continue
		}
		last := c.LastSyncedAt
		if last == nil {
			last = c.SubmittedAt
		}
		if last != nil && !last.Before(syncedBefore) {
			continue
		}
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return syncKey(out[i]).Before(syncKey(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func syncKey(c *Claim) time.Time {
	switch {
	case c.LastSyncedAt != nil:
		return *c.LastSyncedAt
	case c.SubmittedAt != nil:
		return *c.SubmittedAt
	}
	return time.Time{}
}

func (r *MemoryRepo) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*Claim, error) {
	out, _, err := r.List(context.Background(), ListFilter{AccountID: &accountID})
	return out, err
}

// MemoryRemittanceRepo keeps ERA batches in memory.
type MemoryRemittanceRepo struct {
	mu      sync.Mutex
	batches map[string]*Remittance
}

func NewMemoryRemittanceRepo() *MemoryRemittanceRepo {
	return &MemoryRemittanceRepo{batches: make(map[string]*Remittance)}
}

func copyRemittance(r *Remittance) *Remittance {
	cp := *r
	cp.Records = append([]RemittanceRecord(nil), r.Records...)
	return &cp
}

func (m *MemoryRemittanceRepo) Begin(_ context.Context, r *Remittance) (*Remittance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.batches[r.BatchID]; ok {
		return copyRemittance(stored), false, nil
	}
	m.batches[r.BatchID] = copyRemittance(r)
	return copyRemittance(r), true, nil
}

func (m *MemoryRemittanceRepo) GetByBatchID(_ context.Context, batchID string) (*Remittance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.batches[batchID]
	if !ok {
		return nil, apperr.NotFound("remittance", batchID)
	}
	return copyRemittance(r), nil
}

func (m *MemoryRemittanceRepo) MarkRecordApplied(_ context.Context, batchID string, seq int, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.batches[batchID]
	if !ok {
		return apperr.NotFound("remittance", batchID)
	}
	for i := range r.Records {
		if r.Records[i].Seq == seq {
			r.Records[i].Applied = true
			r.Records[i].Outcome = outcome
			return nil
		}
	}
	return apperr.NotFound("remittance record", batchID)
}

func (m *MemoryRemittanceRepo) MarkApplied(_ context.Context, batchID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.batches[batchID]
	if !ok {
		return apperr.NotFound("remittance", batchID)
	}
	r.Status = RemittanceApplied
	r.AppliedAt = &at
	return nil
}
