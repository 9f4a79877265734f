package claim

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LineInput struct {
	ProcedureCode  string          `json:"procedure_code" validate:"required,max=16"`
	Modifiers      []string        `json:"modifiers,omitempty" validate:"max=4"`
	DiagnosisCodes []string        `json:"diagnosis_codes" validate:"required,min=1,max=12"`
	UnitPrice      decimal.Decimal `json:"unit_price" validate:"gt=0"`
	Quantity       int             `json:"quantity" validate:"required,gte=1"`
}

type CreateClaimCommand struct {
	AccountID   uuid.UUID   `json:"account_id" validate:"required"`
	PayerID     string      `json:"payer_id" validate:"required,max=64"`
	PayerName   string      `json:"payer_name,omitempty" validate:"max=255"`
	SelfPay     bool        `json:"self_pay"`
	ServiceDate *time.Time  `json:"service_date,omitempty"`
	Lines       []LineInput `json:"lines" validate:"dive"`
}

// ExpectedVersion, when set on a command, makes the engine refuse to act on
// any other version of the claim.
type SubmitCommand struct {
	ClaimID         uuid.UUID `json:"-" validate:"required"`
	ExpectedVersion *int      `json:"expected_version,omitempty"`
}

type ApplyRemittanceCommand struct {
	Remittance
}

type MarkDeniedCommand struct {
	ClaimID         uuid.UUID `json:"-" validate:"required"`
	ReasonCodes     []string  `json:"reason_codes" validate:"required,min=1,dive,required"`
	LineNumber      *int      `json:"line_number,omitempty"`
	ExpectedVersion *int      `json:"expected_version,omitempty"`
}

type FileAppealCommand struct {
	ClaimID         uuid.UUID         `json:"-" validate:"required"`
	DenialID        *uuid.UUID        `json:"denial_id,omitempty"`
	AppealType      string            `json:"appeal_type" validate:"omitempty,oneof=first-level second-level external-review"`
	Fields          map[string]string `json:"fields,omitempty"`
	ExpectedVersion *int              `json:"expected_version,omitempty"`
}

type VoidCommand struct {
	ClaimID         uuid.UUID `json:"-" validate:"required"`
	Reason          string    `json:"reason" validate:"required,max=1000"`
	ExpectedVersion *int      `json:"expected_version,omitempty"`
}

// ReadjudicateCommand carries a payer's revised decision after an appeal.
// Nil amounts mean the claim is paid in full at its allowed amount, or at
// billed when nothing was allowed before.
type ReadjudicateCommand struct {
	ClaimID       uuid.UUID        `json:"-" validate:"required"`
	AllowedAmount *decimal.Decimal `json:"allowed_amount,omitempty"`
	PaidAmount    *decimal.Decimal `json:"paid_amount,omitempty"`
}

type ListFilter struct {
	Status    []Status
	AccountID *uuid.UUID
	PayerID   string
	Limit     int
	Offset    int
}
