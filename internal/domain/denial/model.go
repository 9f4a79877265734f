package denial

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryEligibility   Category = "eligibility"
	CategoryCoding        Category = "coding"
	CategoryAuthorization Category = "authorization"
	CategoryTimelyFiling  Category = "timely-filing"
	CategoryBundling      Category = "bundling"
	CategoryOther         Category = "other"
)

// Categories lists every category in priority order, most specific first.
var Categories = []Category{
	CategoryTimelyFiling, CategoryAuthorization, CategoryEligibility,
	CategoryBundling, CategoryCoding, CategoryOther,
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusNew        Status = "new"
	StatusAnalyzed   Status = "analyzed"
	StatusAppealed   Status = "appealed"
	StatusResolved   Status = "resolved"
	StatusWrittenOff Status = "written-off"
)

var statusTransitions = map[Status][]Status{
	StatusNew:      {StatusAnalyzed, StatusAppealed, StatusWrittenOff},
	StatusAnalyzed: {StatusAppealed, StatusWrittenOff},
	StatusAppealed: {StatusResolved, StatusWrittenOff},
	// An upheld denial closed as resolved can still go to a higher-level appeal.
	StatusResolved: {StatusAppealed},
}

func canTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Denial is one payer refusal reason on a claim or claim line.
type Denial struct {
	ID             uuid.UUID `json:"id"`
	ClaimID        uuid.UUID `json:"claim_id"`
	AccountID      uuid.UUID `json:"account_id"`
	LineNumber     *int      `json:"line_number,omitempty"`
	PayerID        string    `json:"payer_id"`
	ReasonCodes    []string  `json:"reason_codes"`
	Category       Category  `json:"category"`
	Status         Status    `json:"status"`
	DeniedAt       time.Time `json:"denied_at"`
	AppealDeadline time.Time `json:"appeal_deadline"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (d *Denial) clone() *Denial {
	cp := *d
	cp.ReasonCodes = append([]string(nil), d.ReasonCodes...)
	if d.LineNumber != nil {
		n := *d.LineNumber
		cp.LineNumber = &n
	}
	return &cp
}

type AppealType string

const (
	AppealFirstLevel     AppealType = "first-level"
	AppealSecondLevel    AppealType = "second-level"
	AppealExternalReview AppealType = "external-review"
)

type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeOverturned Outcome = "overturned"
	OutcomeUpheld     Outcome = "upheld"
	OutcomePartial    Outcome = "partial"
)

type Letter struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Recipient string `json:"recipient"`
}

type Appeal struct {
	ID          uuid.UUID  `json:"id"`
	DenialID    uuid.UUID  `json:"denial_id"`
	ClaimID     uuid.UUID  `json:"claim_id"`
	AppealType  AppealType `json:"appeal_type"`
	Category    Category   `json:"category"`
	Letter      Letter     `json:"letter"`
	LetterKey   string     `json:"letter_key,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Deadline    time.Time  `json:"deadline"`
	Outcome     Outcome    `json:"outcome"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type CategorizeCommand struct {
	ReasonCodes []string `json:"reason_codes" validate:"required,min=1,dive,required"`
}

type GenerateAppealCommand struct {
	DenialID   uuid.UUID         `json:"-"`
	AppealType string            `json:"appeal_type" validate:"omitempty,oneof=first-level second-level external-review"`
	Fields     map[string]string `json:"fields"`
}

type TrackOutcomeCommand struct {
	AppealID      uuid.UUID        `json:"-"`
	Outcome       Outcome          `json:"outcome" validate:"required,oneof=overturned upheld partial"`
	AllowedAmount *decimal.Decimal `json:"allowed_amount,omitempty"`
	PaidAmount    *decimal.Decimal `json:"paid_amount,omitempty"`
}

type ListFilter struct {
	Status   []Status
	Category []Category
	ClaimID  *uuid.UUID
	PayerID  string
	Limit    int
	Offset   int
}

// CategoryResult is the answer to a categorize request.
type CategoryResult struct {
	Category    Category `json:"category"`
	ReasonCodes []string `json:"reason_codes"`
	Resolutions []string `json:"resolutions"`
}

type PayerCategoryCount struct {
	PayerID  string   `json:"payer_id"`
	Category Category `json:"category"`
	Count    int      `json:"count"`
}

// Patterns aggregates denials recorded within a window.
type Patterns struct {
	From            time.Time            `json:"from"`
	To              time.Time            `json:"to"`
	Total           int                  `json:"total"`
	ByCategory      map[Category]int     `json:"by_category"`
	ByPayer         map[string]int       `json:"by_payer"`
	ByPayerCategory []PayerCategoryCount `json:"by_payer_category"`
}
