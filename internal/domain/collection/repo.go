package collection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateTasks(ctx context.Context, tasks []*Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	// UpdateTask writes t if the stored version still equals expected and
	// bumps t.Version.
	UpdateTask(ctx context.Context, t *Task, expected int) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error)
	// DueTasks returns scheduled tasks due at or before now, oldest first.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	PendingTasks(ctx context.Context, accountID uuid.UUID) ([]*Task, error)

	// CreatePlan stores p with its schedule. At most one plan per account
	// may be active.
	CreatePlan(ctx context.Context, p *PaymentPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*PaymentPlan, error)
	ActivePlan(ctx context.Context, accountID uuid.UUID) (*PaymentPlan, error)
	ActivePlans(ctx context.Context) ([]*PaymentPlan, error)
	// UpdatePlan persists the status and the paid_at of every installment.
	UpdatePlan(ctx context.Context, p *PaymentPlan) error
}
