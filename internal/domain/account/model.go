package account

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindPatient   Kind = "patient"
	KindGuarantor Kind = "guarantor"
)

// Account is the billing identity that owns claims and collection work.
// OutstandingBalance only moves through the ledger operations on the
// repository, never by a full-row update.
type Account struct {
	ID                 uuid.UUID       `json:"id"`
	Kind               Kind            `json:"kind"`
	Name               string          `json:"name"`
	Email              string          `json:"email,omitempty"`
	Phone              string          `json:"phone,omitempty"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	OldestUnpaidAt     *time.Time      `json:"oldest_unpaid_at,omitempty"`
	LastStatementAt    *time.Time      `json:"last_statement_at,omitempty"`
	LastPaymentAt      *time.Time      `json:"last_payment_at,omitempty"`
	PaymentsOnTime     int             `json:"payments_on_time"`
	PaymentsLate       int             `json:"payments_late"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (a *Account) clone() *Account {
	cp := *a
	cp.OldestUnpaidAt = copyTime(a.OldestUnpaidAt)
	cp.LastStatementAt = copyTime(a.LastStatementAt)
	cp.LastPaymentAt = copyTime(a.LastPaymentAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DaysOutstanding is the age in whole days of the oldest unpaid charge.
func (a *Account) DaysOutstanding(now time.Time) int {
	if a.OldestUnpaidAt == nil || !a.OutstandingBalance.IsPositive() {
		return 0
	}
	d := int(now.Sub(*a.OldestUnpaidAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// OnTimeRatio is the share of payments received by their statement due
// date, or -1 when the account has never paid.
func (a *Account) OnTimeRatio() float64 {
	n := a.PaymentsOnTime + a.PaymentsLate
	if n == 0 {
		return -1
	}
	return float64(a.PaymentsOnTime) / float64(n)
}

type CreateCommand struct {
	Kind  Kind   `json:"kind" validate:"omitempty,oneof=patient guarantor"`
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email,omitempty" validate:"omitempty,email,max=255"`
	Phone string `json:"phone,omitempty" validate:"max=32"`
}

type PaymentCommand struct {
	AccountID  uuid.UUID       `json:"-" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
}

type ChargeCommand struct {
	AccountID uuid.UUID       `json:"-" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason    string          `json:"reason" validate:"required,max=255"`
}

type ListFilter struct {
	// WithBalance keeps only accounts that owe something.
	WithBalance bool
	Limit       int
	Offset      int
}
