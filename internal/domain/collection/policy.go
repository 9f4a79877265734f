package collection

import (
	"fmt"
	"time"
)

// Step is one action of a workflow template, due Offset days after the
// workflow starts.
type Step struct {
	ActionType string
	Offset     int
}

// Policy holds the workflow templates and the retry rules of the driver.
type Policy struct {
	Workflows   map[string][]Step
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	// GraceDays is how long an installment may go unpaid past its due date
	// before the plan defaults.
	GraceDays    int
	IntervalDays int
	BatchSize    int
	Workers      int
}

func DefaultPolicy() Policy {
	return Policy{
		Workflows: map[string][]Step{
			WorkflowStandard: {
				{ActionType: ActionStatement, Offset: 0},
				{ActionType: ActionReminderCall, Offset: 14},
				{ActionType: ActionEscalation, Offset: 30},
			},
			WorkflowGentle: {
				{ActionType: ActionStatement, Offset: 0},
				{ActionType: ActionStatement, Offset: 30},
				{ActionType: ActionReminderCall, Offset: 45},
			},
			WorkflowPaymentPlan: {
				{ActionType: ActionPaymentPlanOffer, Offset: 0},
				{ActionType: ActionReminderCall, Offset: 10},
			},
		},
		MaxAttempts:  5,
		RetryBase:    time.Hour,
		RetryCap:     24 * time.Hour,
		GraceDays:    10,
		IntervalDays: 30,
		BatchSize:    200,
		Workers:      4,
	}
}

func (p Policy) steps(workflow string) ([]Step, error) {
	steps, ok := p.Workflows[workflow]
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("unknown collection workflow %q", workflow)
	}
	return steps, nil
}

// Backoff is the delay before retrying after the given failed attempt:
// RetryBase doubled per attempt, never above RetryCap.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.RetryCap > 0 && d >= p.RetryCap {
			return p.RetryCap
		}
	}
	if p.RetryCap > 0 && d > p.RetryCap {
		return p.RetryCap
	}
	return d
}
