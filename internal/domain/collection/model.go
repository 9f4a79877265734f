// Package collection schedules and drives the follow-up work on accounts
// that owe money: statements, reminder calls, payment-plan offers and
// escalations, plus the payment plans that pause them.
package collection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskExecuted  TaskStatus = "executed"
	TaskSkipped   TaskStatus = "skipped"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool { return s != TaskScheduled }

const (
	ActionStatement        = "statement"
	ActionReminderCall     = "reminder-call"
	ActionPaymentPlanOffer = "payment-plan-offer"
	ActionEscalation       = "escalation"
)

// pausedByPlan lists the actions an on-schedule payment plan holds back.
var pausedByPlan = map[string]bool{ActionReminderCall: true, ActionEscalation: true}

const (
	WorkflowStandard    = "standard"
	WorkflowGentle      = "gentle"
	WorkflowPaymentPlan = "payment-plan"
	// WorkflowAutomated tasks come from the aging batch.
	WorkflowAutomated = "automated"
	// WorkflowManual tasks are scheduled by staff through ScheduleFollowUp.
	WorkflowManual = "manual"
	// WorkflowPlanDefault tasks are seeded when a payment plan defaults.
	WorkflowPlanDefault = "plan-default"
)

type Task struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	Workflow     string     `json:"workflow"`
	Step         int        `json:"step"`
	ActionType   string     `json:"action_type"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	Note         string     `json:"note,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (t *Task) clone() *Task {
	cp := *t
	if t.ExecutedAt != nil {
		v := *t.ExecutedAt
		cp.ExecutedAt = &v
	}
	return &cp
}

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanDefaulted PlanStatus = "defaulted"
)

type Installment struct {
	Seq     int             `json:"seq"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
	PaidAt  *time.Time      `json:"paid_at,omitempty"`
}

type PaymentPlan struct {
	ID                uuid.UUID       `json:"id"`
	AccountID         uuid.UUID       `json:"account_id"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	Installments      int             `json:"installments"`
	IntervalDays      int             `json:"interval_days"`
	GraceDays         int             `json:"grace_days"`
	StartDate         time.Time       `json:"start_date"`
	Status            PlanStatus      `json:"status"`
	Schedule          []Installment   `json:"schedule"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (p *PaymentPlan) clone() *PaymentPlan {
	cp := *p
	cp.Schedule = make([]Installment, len(p.Schedule))
	for i, in := range p.Schedule {
		if in.PaidAt != nil {
			v := *in.PaidAt
			in.PaidAt = &v
		}
		cp.Schedule[i] = in
	}
	return &cp
}

// NextDue is the earliest unpaid installment, or nil when the plan is paid
// off.
func (p *PaymentPlan) NextDue() *Installment {
	for i := range p.Schedule {
		if p.Schedule[i].PaidAt == nil {
			return &p.Schedule[i]
		}
	}
	return nil
}

// Missed returns the first unpaid installment whose grace period ended
// before now.
func (p *PaymentPlan) Missed(now time.Time) *Installment {
	in := p.NextDue()
	if in == nil || !now.After(in.DueDate.AddDate(0, 0, p.GraceDays)) {
		return nil
	}
	return in
}

// buildSchedule splits total into n installments interval days apart. Every
// installment is total/n truncated to cents; the last one absorbs the
// remainder.
func buildSchedule(total decimal.Decimal, n, intervalDays int, start time.Time) (decimal.Decimal, []Installment) {
	each := total.Div(decimal.NewFromInt(int64(n))).Truncate(2)
	out := make([]Installment, n)
	for i := 0; i < n; i++ {
		out[i] = Installment{Seq: i + 1, DueDate: start.AddDate(0, 0, i*intervalDays), Amount: each}
	}
	out[n-1].Amount = total.Sub(each.Mul(decimal.NewFromInt(int64(n - 1))))
	return each, out
}

type InitiateWorkflowCommand struct {
	AccountID uuid.UUID  `json:"account_id" validate:"required"`
	Workflow  string     `json:"workflow" validate:"required,oneof=standard gentle payment-plan"`
	StartAt   *time.Time `json:"start_at,omitempty"`
}

type StatementCommand struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
}

type FollowUpCommand struct {
	AccountID    uuid.UUID `json:"account_id" validate:"required"`
	ActionType   string    `json:"action_type" validate:"required,oneof=statement reminder-call payment-plan-offer escalation"`
	ScheduledFor time.Time `json:"scheduled_for" validate:"required"`
	Note         string    `json:"note,omitempty" validate:"max=500"`
}

type PaymentPlanCommand struct {
	AccountID    uuid.UUID  `json:"account_id" validate:"required"`
	Installments int        `json:"installments" validate:"min=2,max=60"`
	IntervalDays int        `json:"interval_days,omitempty" validate:"omitempty,min=7,max=92"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	// TotalAmount defaults to the account's outstanding balance.
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type InstallmentPaymentCommand struct {
	PlanID     uuid.UUID       `json:"-"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
}

type TaskFilter struct {
	AccountID *uuid.UUID
	Status    TaskStatus
	Limit     int
	Offset    int
}

type ProcessReport struct {
	mu        sync.Mutex
	Due       int `json:"due"`
	Executed  int `json:"executed"`
	Retried   int `json:"retried"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Defaulted int `json:"plans_defaulted"`
}

func (r *ProcessReport) count(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
