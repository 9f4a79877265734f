package claim

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RemittanceStatus string

const (
	RemittanceProcessing RemittanceStatus = "processing"
	RemittanceApplied    RemittanceStatus = "applied"
)

// Adjustment is one CAS adjustment: a group code (CO, PR, OA, PI, CR), a
// CARC reason code and the amount adjusted.
type Adjustment struct {
	Group  string          `json:"group" validate:"required,oneof=CO PR OA PI CR"`
	Reason string          `json:"reason" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// Code renders the adjustment as "CO-45".
func (a Adjustment) Code() string {
	return a.Group + "-" + a.Reason
}

type LineRemittance struct {
	LineNumber    int             `json:"line_number"`
	ProcedureCode string          `json:"procedure_code"`
	BilledAmount  decimal.Decimal `json:"billed_amount"`
	AllowedAmount decimal.Decimal `json:"allowed_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Adjustments   []Adjustment    `json:"adjustments,omitempty" validate:"dive"`
}

// RemittanceRecord is one claim-level payment entry of an ERA.
type RemittanceRecord struct {
	Seq                   int              `json:"seq"`
	ClaimRef              string           `json:"claim_ref" validate:"required"`
	PayerClaimID          string           `json:"payer_claim_id,omitempty"`
	BilledAmount          decimal.Decimal  `json:"billed_amount"`
	AllowedAmount         decimal.Decimal  `json:"allowed_amount"`
	PaidAmount            decimal.Decimal  `json:"paid_amount"`
	PatientResponsibility decimal.Decimal  `json:"patient_responsibility"`
	Adjustments           []Adjustment     `json:"adjustments,omitempty" validate:"dive"`
	Lines                 []LineRemittance `json:"lines,omitempty" validate:"dive"`
	Applied               bool             `json:"applied"`
	Outcome               string           `json:"outcome,omitempty"`
}

// DenialCodes returns the distinct non-patient-responsibility adjustment
// codes, falling back to every code when only PR adjustments exist.
func (r RemittanceRecord) DenialCodes() []string {
	return denialCodes(r.Adjustments)
}

func denialCodes(adj []Adjustment) []string {
	seen := map[string]bool{}
	var codes, pr []string
	for _, a := range adj {
		code := a.Code()
		if seen[code] {
			continue
		}
		seen[code] = true
		if strings.EqualFold(a.Group, "PR") {
			pr = append(pr, code)
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		codes = pr
	}
	sort.Strings(codes)
	return codes
}

// Remittance is an ERA batch. Once Status is applied it never changes.
type Remittance struct {
	BatchID     string             `json:"batch_id" validate:"required,max=128"`
	PayerID     string             `json:"payer_id,omitempty"`
	PayerName   string             `json:"payer_name,omitempty"`
	PaymentDate *time.Time         `json:"payment_date,omitempty"`
	TotalPaid   decimal.Decimal    `json:"total_paid"`
	Source      string             `json:"source,omitempty"`
	Status      RemittanceStatus   `json:"status"`
	ReceivedAt  time.Time          `json:"received_at"`
	AppliedAt   *time.Time         `json:"applied_at,omitempty"`
	Records     []RemittanceRecord `json:"records" validate:"required,min=1,dive"`
}

// Record outcomes reported per ERA entry.
const (
	RecordApplied           = "applied"
	RecordUnknownClaim      = "unknown_claim"
	RecordInvariantViolated = "invariant_violation"
	RecordInvalidTransition = "invalid_transition"
	RecordFailed            = "failed"
)

type RecordResult struct {
	Seq      int    `json:"seq"`
	ClaimRef string `json:"claim_ref"`
	ClaimID  string `json:"claim_id,omitempty"`
	Outcome  string `json:"outcome"`
	Status   Status `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RemittanceResult reports what one ApplyRemittance call did. Duplicate is
// set when the batch had already been fully applied and nothing changed.
type RemittanceResult struct {
	BatchID   string           `json:"batch_id"`
	Status    RemittanceStatus `json:"status"`
	Duplicate bool             `json:"duplicate"`
	Applied   int              `json:"applied"`
	Skipped   int              `json:"skipped"`
	Unknown   int              `json:"unknown"`
	Failed    int              `json:"failed"`
	Records   []RecordResult   `json:"records,omitempty"`
}

func (r *RemittanceResult) add(rr RecordResult) {
	switch rr.Outcome {
	case RecordApplied:
		r.Applied++
	case RecordUnknownClaim:
		r.Unknown++
	case RecordFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	r.Records = append(r.Records, rr)
}
