package claim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusSubmitted     Status = "submitted"
	StatusAccepted      Status = "accepted"
	StatusRejected      Status = "rejected"
	StatusAdjudicated   Status = "adjudicated"
	StatusPaid          Status = "paid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusDenied        Status = "denied"
	StatusAppealed      Status = "appealed"
	StatusVoid          Status = "void"
)

// transitions is the complete edge set of the claim state machine.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusSubmitted, StatusVoid},
	StatusSubmitted:     {StatusAccepted, StatusRejected, StatusVoid},
	StatusAccepted:      {StatusAdjudicated, StatusVoid},
	StatusAdjudicated:   {StatusPaid, StatusPartiallyPaid, StatusDenied, StatusVoid},
	StatusDenied:        {StatusAppealed, StatusVoid},
	StatusAppealed:      {StatusAdjudicated, StatusDenied, StatusVoid},
	StatusPaid:          nil,
	StatusPartiallyPaid: nil,
	StatusRejected:      nil,
	StatusVoid:          nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no edge leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a single edge of the machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Path returns the shortest edge sequence from -> to that external
// adjudication events may walk, excluding the states only a user can request
// (appealed, void, rejected) as intermediate or final hops unless to is one
// of them and adjacent. The result excludes from and includes to. ok is false
// when no such path exists.
func Path(from, to Status) (path []Status, ok bool) {
	if from == to {
		return nil, false
	}
	if CanTransition(from, to) {
		return []Status{to}, true
	}
	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == StatusAppealed || next == StatusVoid || next == StatusRejected {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomePaid     Outcome = "paid"
	OutcomeDenied   Outcome = "denied"
	OutcomeAdjusted Outcome = "adjusted"
)

type LineItem struct {
	ID             uuid.UUID       `json:"id"`
	LineNumber     int             `json:"line_number"`
	ProcedureCode  string          `json:"procedure_code"`
	Modifiers      []string        `json:"modifiers,omitempty"`
	DiagnosisCodes []string        `json:"diagnosis_codes"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Quantity       int             `json:"quantity"`
	Outcome        Outcome         `json:"outcome"`
	ReasonCodes    []string        `json:"reason_codes,omitempty"`
	AllowedAmount  decimal.Decimal `json:"allowed_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
}

// Charge is the billed amount of the line.
func (l LineItem) Charge() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Claim struct {
	ID              uuid.UUID       `json:"id"`
	AccountID       uuid.UUID       `json:"account_id"`
	PayerID         string          `json:"payer_id"`
	PayerName       string          `json:"payer_name,omitempty"`
	SelfPay         bool            `json:"self_pay"`
	Status          Status          `json:"status"`
	ServiceDate     *time.Time      `json:"service_date,omitempty"`
	Lines           []LineItem      `json:"lines"`
	BilledAmount    decimal.Decimal `json:"billed_amount"`
	AllowedAmount   decimal.Decimal `json:"allowed_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	PatientBalance  decimal.Decimal `json:"patient_balance"`
	ClearinghouseID string          `json:"clearinghouse_id,omitempty"`
	ExternalStatus  string          `json:"external_status,omitempty"`
	VoidReason      string          `json:"void_reason,omitempty"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	AdjudicatedAt   *time.Time      `json:"adjudicated_at,omitempty"`
	LastSyncedAt    *time.Time      `json:"last_synced_at,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Line returns the line with the given number.
func (c *Claim) Line(number int) (*LineItem, bool) {
	for i := range c.Lines {
		if c.Lines[i].LineNumber == number {
			return &c.Lines[i], true
		}
	}
	return nil, false
}

// CheckAmounts enforces paid <= allowed <= billed and non-negative amounts.
func CheckAmounts(billed, allowed, paid decimal.Decimal) error {
	switch {
	case allowed.IsNegative() || paid.IsNegative():
		return fmt.Errorf("amounts must not be negative (allowed %s, paid %s)", allowed, paid)
	case allowed.GreaterThan(billed):
		return fmt.Errorf("allowed %s exceeds billed %s", allowed, billed)
	case paid.GreaterThan(allowed):
		return fmt.Errorf("paid %s exceeds allowed %s", paid, allowed)
	}
	return nil
}

// OutcomeFor maps adjudicated amounts onto the terminal claim status:
// nothing paid is a denial, full allowed is paid, anything between is
// partially paid.
func OutcomeFor(allowed, paid decimal.Decimal) Status {
	switch {
	case paid.IsZero():
		return StatusDenied
	case paid.GreaterThanOrEqual(allowed):
		return StatusPaid
	default:
		return StatusPartiallyPaid
	}
}

// Residual is what remains owed after the payer's payment.
func (c *Claim) Residual() decimal.Decimal {
	r := c.AllowedAmount.Sub(c.PaidAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (c *Claim) clone() *Claim {
	cp := *c
	cp.Lines = make([]LineItem, len(c.Lines))
	for i, l := range c.Lines {
		l.Modifiers = append([]string(nil), l.Modifiers...)
		l.DiagnosisCodes = append([]string(nil), l.DiagnosisCodes...)
		l.ReasonCodes = append([]string(nil), l.ReasonCodes...)
		cp.Lines[i] = l
	}
	return &cp
}

// StatusUpdate is one clearinghouse status-poll result translated into the
// internal vocabulary.
type StatusUpdate struct {
	ClaimID         uuid.UUID        `json:"claim_id"`
	ClearinghouseID string           `json:"clearinghouse_id"`
	ExternalStatus  string           `json:"external_status"`
	Status          Status           `json:"status,omitempty"`
	ReasonCodes     []string         `json:"reason_codes,omitempty"`
	AllowedAmount   *decimal.Decimal `json:"allowed_amount,omitempty"`
	Message         string           `json:"message,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
}
