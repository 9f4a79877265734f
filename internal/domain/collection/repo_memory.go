package collection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// MemoryRepo keeps tasks and plans in process for development and tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	plans map[uuid.UUID]*PaymentPlan
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: make(map[uuid.UUID]*Task), plans: make(map[uuid.UUID]*PaymentPlan)}
}

func (r *MemoryRepo) CreateTasks(_ context.Context, tasks []*Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if t.Step == 0 || t.Status != TaskScheduled {
			continue
		}
		for _, cur := range r.tasks {
			if cur.AccountID == t.AccountID && cur.Workflow == t.Workflow && cur.Step == t.Step && cur.Status == TaskScheduled {
				return errWorkflowInProgress(t.AccountID, t.Workflow)
			}
		}
	}
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		r.tasks[t.ID] = t.clone()
	}
	return nil
}

func (r *MemoryRepo) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperr.NotFound("collection task", id.String())
	}
	return t.clone(), nil
}

func (r *MemoryRepo) UpdateTask(_ context.Context, t *Task, expected int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return apperr.NotFound("collection task", t.ID.String())
	}
	if cur.Version != expected {
		return &apperr.ConcurrentModificationError{Entity: "collection task", ID: t.ID.String(), Version: expected}
	}
	t.Version = expected + 1
	r.tasks[t.ID] = t.clone()
	return nil
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].ScheduledFor.Equal(ts[j].ScheduledFor) {
			return ts[i].ScheduledFor.Before(ts[j].ScheduledFor)
		}
		if ts[i].Step != ts[j].Step {
			return ts[i].Step < ts[j].Step
		}
		return ts[i].ID.String() < ts[j].ID.String()
	})
}

func (r *MemoryRepo) ListTasks(_ context.Context, f TaskFilter) ([]*Task, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if f.AccountID != nil && t.AccountID != *f.AccountID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.clone())
	}
	sortTasks(out)
	total := len(out)
	if f.Offset >= total {
		return nil, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (r *MemoryRepo) DueTasks(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.Status == TaskScheduled && !t.ScheduledFor.After(now) {
			out = append(out, t.clone())
		}
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) PendingTasks(_ context.Context, accountID uuid.UUID) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.AccountID == accountID && t.Status == TaskScheduled {
			out = append(out, t.clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (r *MemoryRepo) CreatePlan(_ context.Context, p *PaymentPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.plans {
		if cur.AccountID == p.AccountID && cur.Status == PlanActive {
			return errActivePlan(p.AccountID)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.plans[p.ID] = p.clone()
	return nil
}

func (r *MemoryRepo) GetPlan(_ context.Context, id uuid.UUID) (*PaymentPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, apperr.NotFound("payment plan", id.String())
	}
	return p.clone(), nil
}

func (r *MemoryRepo) ActivePlan(_ context.Context, accountID uuid.UUID) (*PaymentPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plans {
		if p.AccountID == accountID && p.Status == PlanActive {
			return p.clone(), nil
		}
	}
	return nil, apperr.NotFound("active payment plan for account", accountID.String())
}

func (r *MemoryRepo) ActivePlans(_ context.Context) ([]*PaymentPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*PaymentPlan
	for _, p := range r.plans {
		if p.Status == PlanActive {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *MemoryRepo) UpdatePlan(_ context.Context, p *PaymentPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[p.ID]; !ok {
		return apperr.NotFound("payment plan", p.ID.String())
	}
	r.plans[p.ID] = p.clone()
	return nil
}

func errActivePlan(accountID uuid.UUID) error {
	return apperr.Validation("account_id", "account %s already has an active payment plan", accountID)
}

func errWorkflowInProgress(accountID uuid.UUID, workflow string) error {
	return apperr.Validation("workflow", "%s workflow already in progress for account %s", workflow, accountID)
}
