package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// MemoryRepo is a mutex-guarded Repository for development and tests.
type MemoryRepo struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{accounts: make(map[uuid.UUID]*Account)}
}

func (r *MemoryRepo) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, dup := r.accounts[a.ID]; dup {
		return apperr.Validation("id", "account %s already exists", a.ID)
	}
	r.accounts[a.ID] = a.clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id.String())
	}
	return a.clone(), nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]*Account, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Account
	for _, a := range r.accounts {
		if f.WithBalance && !a.OutstandingBalance.IsPositive() {
			continue
		}
		all = append(all, a.clone())
	}
	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].OldestUnpaidAt, all[j].OldestUnpaidAt
		switch {
		case ai != nil && aj != nil && !ai.Equal(*aj):
			return ai.Before(*aj)
		case ai != nil && aj == nil:
			return true
		case ai == nil && aj != nil:
			return false
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (r *MemoryRepo) update(id uuid.UUID, fn func(a *Account) error) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id.String())
	}
	next := a.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	r.accounts[id] = next
	return next.clone(), nil
}

func (r *MemoryRepo) Adjust(_ context.Context, id uuid.UUID, delta decimal.Decimal, at time.Time) (*Account, error) {
	return r.update(id, func(a *Account) error {
		bal := a.OutstandingBalance.Add(delta)
		switch {
		case !bal.IsPositive():
			a.OutstandingBalance, a.OldestUnpaidAt = decimal.Zero, nil
		case a.OldestUnpaidAt == nil:
			a.OutstandingBalance, a.OldestUnpaidAt = bal, &at
		default:
			a.OutstandingBalance = bal
		}
		a.UpdatedAt = at
		return nil
	})
}

func (r *MemoryRepo) RecordPayment(_ context.Context, id uuid.UUID, amount decimal.Decimal, at time.Time, onTime bool) (*Account, error) {
	return r.update(id, func(a *Account) error {
		if amount.GreaterThan(a.OutstandingBalance) {
			return errOverpayment(amount, a.OutstandingBalance)
		}
		a.OutstandingBalance = a.OutstandingBalance.Sub(amount)
		if !a.OutstandingBalance.IsPositive() {
			a.OldestUnpaidAt = nil
		}
		a.LastPaymentAt = &at
		if onTime {
			a.PaymentsOnTime++
		} else {
			a.PaymentsLate++
		}
		a.UpdatedAt = at
		return nil
	})
}

func (r *MemoryRepo) MarkStatement(_ context.Context, id uuid.UUID, at time.Time) (*Account, error) {
	return r.update(id, func(a *Account) error {
		a.LastStatementAt = &at
		a.UpdatedAt = at
		return nil
	})
}

func errOverpayment(amount, balance decimal.Decimal) error {
	return apperr.Validation("amount", "payment %s exceeds outstanding balance %s", amount.StringFixed(2), balance.StringFixed(2))
}
