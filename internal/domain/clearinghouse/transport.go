package clearinghouse

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/domain/claim"
)

// Transport is the raw clearinghouse API. Implementations translate wire
// failures into StatusError or TransportError and never retry themselves.
type Transport interface {
	SubmitClaim(ctx context.Context, wc *WireClaim) (*SubmitResult, error)
	PollStatus(ctx context.Context, clearinghouseID string) (*WireStatus, error)
	ListRemittances(ctx context.Context) ([]RemittanceFile, error)
	DownloadRemittance(ctx context.Context, fileID string) (data []byte, contentType string, err error)
	AckRemittance(ctx context.Context, fileID string) error
}

type WireLine struct {
	LineNumber     int             `json:"line_number"`
	ProcedureCode  string          `json:"procedure_code"`
	Modifiers      []string        `json:"modifiers,omitempty"`
	DiagnosisCodes []string        `json:"diagnosis_pointers"`
	Charge         decimal.Decimal `json:"charge"`
	Units          int             `json:"units"`
}

// WireClaim is the submission payload. The patient control number carries
// our claim id so remittances can be matched back.
type WireClaim struct {
	PatientControlNumber string          `json:"patient_control_number"`
	PayerID              string          `json:"payer_id"`
	ServiceDate          string          `json:"service_date,omitempty"`
	TotalCharge          decimal.Decimal `json:"total_charge"`
	Lines                []WireLine      `json:"service_lines"`
}

type SubmitResult struct {
	ClearinghouseID string   `json:"clearinghouse_id"`
	Accepted        bool     `json:"accepted"`
	Errors          []string `json:"errors,omitempty"`
}

type WireStatus struct {
	ClearinghouseID      string           `json:"clearinghouse_id"`
	PatientControlNumber string           `json:"patient_control_number"`
	Status               string           `json:"status"`
	Message              string           `json:"message,omitempty"`
	ReasonCodes          []string         `json:"reason_codes,omitempty"`
	AllowedAmount        *decimal.Decimal `json:"allowed_amount,omitempty"`
}

type RemittanceFile struct {
	ID         string    `json:"id"`
	Format     string    `json:"format"`
	ReceivedAt time.Time `json:"received_at"`
}

func toWire(c *claim.Claim) *WireClaim {
	wc := &WireClaim{
		PatientControlNumber: c.ID.String(),
		PayerID:              c.PayerID,
		TotalCharge:          c.BilledAmount,
	}
	if c.ServiceDate != nil {
		wc.ServiceDate = c.ServiceDate.Format("2006-01-02")
	}
	for _, l := range c.Lines {
		wc.Lines = append(wc.Lines, WireLine{
			LineNumber:     l.LineNumber,
			ProcedureCode:  l.ProcedureCode,
			Modifiers:      l.Modifiers,
			DiagnosisCodes: l.DiagnosisCodes,
			Charge:         l.Charge(),
			Units:          l.Quantity,
		})
	}
	return wc
}

// wireRemittance is the clearinghouse's JSON remittance document, offered as
// an alternative to raw 835 files.
type wireRemittance struct {
	BatchID     string           `json:"batch_id"`
	PayerID     string           `json:"payer_id"`
	PayerName   string           `json:"payer_name"`
	PaymentDate string           `json:"payment_date"`
	TotalPaid   decimal.Decimal  `json:"total_paid"`
	Claims      []wireRemitClaim `json:"claims"`
}

type wireAdjustment struct {
	Group  string          `json:"group"`
	Reason string          `json:"reason"`
	Amount decimal.Decimal `json:"amount"`
}

type wireRemitLine struct {
	LineNumber    int              `json:"line_number"`
	ProcedureCode string           `json:"procedure_code"`
	Charge        decimal.Decimal  `json:"charge"`
	Allowed       decimal.Decimal  `json:"allowed"`
	Paid          decimal.Decimal  `json:"paid"`
	Adjustments   []wireAdjustment `json:"adjustments"`
}

type wireRemitClaim struct {
	PatientControlNumber  string           `json:"patient_control_number"`
	PayerClaimID          string           `json:"payer_claim_id"`
	Charge                decimal.Decimal  `json:"charge"`
	Allowed               decimal.Decimal  `json:"allowed"`
	Paid                  decimal.Decimal  `json:"paid"`
	PatientResponsibility decimal.Decimal  `json:"patient_responsibility"`
	Adjustments           []wireAdjustment `json:"adjustments"`
	Lines                 []wireRemitLine  `json:"lines"`
}

func adjustments(in []wireAdjustment) []claim.Adjustment {
	out := make([]claim.Adjustment, 0, len(in))
	for _, a := range in {
		out = append(out, claim.Adjustment{Group: a.Group, Reason: a.Reason, Amount: a.Amount})
	}
	return out
}

func (w wireRemittance) toRemittance(source string) claim.Remittance {
	rem := claim.Remittance{
		BatchID:   w.BatchID,
		PayerID:   w.PayerID,
		PayerName: w.PayerName,
		TotalPaid: w.TotalPaid,
		Source:    source,
	}
	if t, err := time.Parse("2006-01-02", w.PaymentDate); err == nil {
		rem.PaymentDate = &t
	}
	for i, wc := range w.Claims {
		rec := claim.RemittanceRecord{
			Seq:                   i + 1,
			ClaimRef:              wc.PatientControlNumber,
			PayerClaimID:          wc.PayerClaimID,
			BilledAmount:          wc.Charge,
			AllowedAmount:         wc.Allowed,
			PaidAmount:            wc.Paid,
			PatientResponsibility: wc.PatientResponsibility,
			Adjustments:           adjustments(wc.Adjustments),
		}
		for _, wl := range wc.Lines {
			rec.Lines = append(rec.Lines, claim.LineRemittance{
				LineNumber:    wl.LineNumber,
				ProcedureCode: wl.ProcedureCode,
				BilledAmount:  wl.Charge,
				AllowedAmount: wl.Allowed,
				PaidAmount:    wl.Paid,
				Adjustments:   adjustments(wl.Adjustments),
			})
		}
		rem.Records = append(rem.Records, rec)
	}
	return rem
}
