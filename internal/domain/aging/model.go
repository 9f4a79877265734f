// Package aging classifies outstanding account balances by age, scores the
// likelihood of collecting them and turns low scores into collection work.
// It runs as a scheduled batch; nothing here reacts to individual claim
// events.
package aging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Bucket string

const (
	Bucket0To30   Bucket = "0-30"
	Bucket31To60  Bucket = "31-60"
	Bucket61To90  Bucket = "61-90"
	Bucket91To120 Bucket = "91-120"
	Bucket120Plus Bucket = "120+"
)

// Buckets lists the aging buckets from youngest to oldest.
var Buckets = []Bucket{Bucket0To30, Bucket31To60, Bucket61To90, Bucket91To120, Bucket120Plus}

func (b Bucket) Valid() bool {
	for _, k := range Buckets {
		if k == b {
			return true
		}
	}
	return false
}

// BucketFor maps days outstanding to its bucket.
func BucketFor(days int) Bucket {
	switch {
	case days <= 30:
		return Bucket0To30
	case days <= 60:
		return Bucket31To60
	case days <= 90:
		return Bucket61To90
	case days <= 120:
		return Bucket91To120
	default:
		return Bucket120Plus
	}
}

// Signals is the input snapshot a scoring model sees for one account.
type Signals struct {
	DaysOutstanding int             `json:"days_outstanding"`
	Bucket          Bucket          `json:"bucket"`
	Balance         decimal.Decimal `json:"balance"`
	DenialCount     int             `json:"denial_count"`
	ClaimCount      int             `json:"claim_count"`
	// SelfPayShare is the fraction of the account's claims with no payer
	// behind them.
	SelfPayShare float64 `json:"self_pay_share"`
	// OnTimeRatio is -1 for an account with no payment history.
	OnTimeRatio  float64 `json:"on_time_ratio"`
	PaymentCount int     `json:"payment_count"`
}

// RiskScore is the replaceable snapshot stored per account.
type RiskScore struct {
	AccountID             uuid.UUID       `json:"account_id"`
	CollectionProbability float64         `json:"collection_probability"`
	AgingBucket           Bucket          `json:"aging_bucket"`
	DaysOutstanding       int             `json:"days_outstanding"`
	Balance               decimal.Decimal `json:"balance"`
	Model                 string          `json:"model"`
	ComputedAt            time.Time       `json:"computed_at"`
}

type Prediction struct {
	AccountID   uuid.UUID `json:"account_id"`
	Probability float64   `json:"probability"`
	Model       string    `json:"model"`
	Signals     Signals   `json:"signals"`
}

// Filters narrows AnalyzeARAccounts. Zero values match everything with a
// balance.
type Filters struct {
	Buckets    []Bucket        `json:"buckets,omitempty"`
	MinBalance decimal.Decimal `json:"min_balance"`
	MinDays    int             `json:"min_days" validate:"gte=0"`
}

type AccountAging struct {
	AccountID       uuid.UUID       `json:"account_id"`
	Name            string          `json:"name"`
	Balance         decimal.Decimal `json:"balance"`
	DaysOutstanding int             `json:"days_outstanding"`
	Bucket          Bucket          `json:"bucket"`
}

type BucketSummary struct {
	Bucket   Bucket          `json:"bucket"`
	Accounts int             `json:"accounts"`
	Balance  decimal.Decimal `json:"balance"`
}

type Report struct {
	AsOf         time.Time       `json:"as_of"`
	Accounts     []AccountAging  `json:"accounts"`
	Buckets      []BucketSummary `json:"buckets"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}

type ScoreReport struct {
	Scored  int `json:"scored"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Thresholds select accounts for automated collection work. An account
// qualifies when it is at least MinDays old, owes at least MinBalance and
// its collection probability is strictly below MaxProbability.
type Thresholds struct {
	MinDays        int             `json:"min_days" validate:"gte=0"`
	MaxProbability float64         `json:"max_probability" validate:"gte=0,lte=1"`
	MinBalance     decimal.Decimal `json:"min_balance"`
	// ActionType overrides the bucket-based choice of action.
	ActionType string `json:"action_type,omitempty" validate:"omitempty,oneof=statement reminder-call payment-plan-offer escalation"`
}

// Action asks the collection orchestrator to schedule work for an account.
type Action struct {
	AccountID       uuid.UUID       `json:"account_id"`
	ActionType      string          `json:"action_type"`
	Probability     float64         `json:"probability"`
	DaysOutstanding int             `json:"days_outstanding"`
	Bucket          Bucket          `json:"bucket"`
	Balance         decimal.Decimal `json:"balance"`
}

type ActionReport struct {
	Evaluated     int `json:"evaluated"`
	Enqueued      int `json:"enqueued"`
	AlreadyQueued int `json:"already_queued"`
	Failed        int `json:"failed"`
}

// actionFor picks the collection step that fits how old a balance is.
func actionFor(b Bucket) string {
	switch b {
	case Bucket0To30, Bucket31To60:
		return "statement"
	case Bucket61To90:
		return "reminder-call"
	case Bucket91To120:
		return "payment-plan-offer"
	default:
		return "escalation"
	}
}
