package claim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrFormatRejected is returned by a Submitter when the clearinghouse
	// refuses the claim on format grounds. Transport failures must never
	// wrap it.
	ErrFormatRejected = errors.New("claim rejected by clearinghouse")
	// ErrSubmissionRefused is returned by a Submitter when the clearinghouse
	// refuses the request itself: bad credentials, missing permission or an
	// unknown endpoint. Sending the same claim again cannot succeed until
	// the integration is fixed.
	ErrSubmissionRefused = errors.New("clearinghouse refused the submission")
)

// Submitter sends a claim to the clearinghouse and returns its correlation id.
type Submitter interface {
	SubmitClaim(ctx context.Context, c *Claim) (clearinghouseID string, err error)
}

// DenialNotice asks the denial workflow to record one denial per reason code.
type DenialNotice struct {
	ClaimID    uuid.UUID `json:"claim_id"`
	AccountID  uuid.UUID `json:"account_id"`
	PayerID    string    `json:"payer_id"`
	LineNumber *int      `json:"line_number,omitempty"`
	ReasonCode string    `json:"reason_code"`
	DeniedAt   time.Time `json:"denied_at"`
}

type DenialRecorder interface {
	RecordDenials(ctx context.Context, notices []DenialNotice) ([]uuid.UUID, error)
}

type AppealRequest struct {
	Claim      *Claim
	DenialID   *uuid.UUID
	AppealType string
	Fields     map[string]string
}

type AppealRef struct {
	AppealID uuid.UUID `json:"appeal_id"`
	DenialID uuid.UUID `json:"denial_id"`
	Deadline time.Time `json:"deadline"`
}

// AppealWriter generates and stores the appeal for a denied claim. It must
// fail before persisting anything when required data is missing.
type AppealWriter interface {
	WriteAppeal(ctx context.Context, req AppealRequest) (*AppealRef, error)
}

// AppealResolver closes the pending appeal on a claim that a remittance
// moved out of appealed. c carries the status the remittance produced. It
// runs inside the transaction that persists the claim and must not call
// back into the engine.
type AppealResolver interface {
	ResolveAppealByRemittance(ctx context.Context, c *Claim, at time.Time) error
}

// AccountDirectory confirms a billing account exists before a claim is
// opened against it.
type AccountDirectory interface {
	AccountExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Ledger receives changes to what an account owes on a claim. delta may be
// negative when a later adjudication pays more.
type Ledger interface {
	PostClaimBalance(ctx context.Context, accountID, claimID uuid.UUID, delta decimal.Decimal, at time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DeniedEvent is published on claim.denied after the denial records commit.
type DeniedEvent struct {
	ClaimID     uuid.UUID   `json:"claim_id"`
	AccountID   uuid.UUID   `json:"account_id"`
	PayerID     string      `json:"payer_id"`
	DenialIDs   []uuid.UUID `json:"denial_ids"`
	ReasonCodes []string    `json:"reason_codes"`
	DeniedAt    time.Time   `json:"denied_at"`
}

// PaidEvent is published on claim.paid for paid and partially paid claims.
type PaidEvent struct {
	ClaimID    uuid.UUID       `json:"claim_id"`
	AccountID  uuid.UUID       `json:"account_id"`
	Status     Status          `json:"status"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Residual   decimal.Decimal `json:"residual"`
}
