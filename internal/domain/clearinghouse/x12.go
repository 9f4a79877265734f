package clearinghouse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/domain/claim"
)

// isaLength is the fixed width of an ISA segment including its terminator.
const isaLength = 106

type delimiters struct {
	element   string
	component string
	segment   string
}

func detectDelimiters(data string) (delimiters, error) {
	if !strings.HasPrefix(data, "ISA") || len(data) < isaLength {
		return delimiters{}, fmt.Errorf("x12: missing or short ISA header")
	}
	d := delimiters{
		element:   string(data[3]),
		component: string(data[104]),
		segment:   string(data[105]),
	}
	if d.segment == "\r" || d.segment == "\n" {
		d.segment = "\n"
	}
	return d, nil
}

func splitSegments(data string, d delimiters) [][]string {
	var segs [][]string
	for _, raw := range strings.Split(data, d.segment) {
		raw = strings.Trim(raw, "\r\n \t")
		if raw == "" {
			continue
		}
		segs = append(segs, strings.Split(raw, d.element))
	}
	return segs
}

func el(seg []string, i int) string {
	if i < len(seg) {
		return strings.TrimSpace(seg[i])
	}
	return ""
}

func amount(seg []string, i int) (decimal.Decimal, error) {
	s := el(seg, i)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("x12 %s%02d: invalid amount %q", seg[0], i, s)
	}
	return d, nil
}

// casAdjustments reads a CAS segment: a group code followed by up to six
// reason/amount/quantity triplets.
func casAdjustments(seg []string) ([]claim.Adjustment, error) {
	group := el(seg, 1)
	var out []claim.Adjustment
	for i := 2; i+1 < len(seg); i += 3 {
		reason := el(seg, i)
		if reason == "" {
			continue
		}
		amt, err := amount(seg, i+1)
		if err != nil {
			return nil, err
		}
		out = append(out, claim.Adjustment{Group: group, Reason: reason, Amount: amt})
	}
	return out, nil
}

type eraBuilder struct {
	remits    []claim.Remittance
	cur       *claim.Remittance
	rec       *claim.RemittanceRecord
	line      *claim.LineRemittance
	recAmtAU  bool
	lineAmtB6 bool
	isaCtrl   string
	d         delimiters
}

func (b *eraBuilder) closeLine() {
	if b.line == nil {
		return
	}
	if !b.lineAmtB6 {
		b.line.AllowedAmount = b.line.PaidAmount.Add(patientShare(b.line.Adjustments))
	}
	b.rec.Lines = append(b.rec.Lines, *b.line)
	b.line, b.lineAmtB6 = nil, false
}

func (b *eraBuilder) closeRecord() {
	b.closeLine()
	if b.rec == nil {
		return
	}
	if !b.recAmtAU {
		b.rec.AllowedAmount = b.rec.PaidAmount.Add(b.rec.PatientResponsibility)
	}
	b.rec.Seq = len(b.cur.Records) + 1
	b.cur.Records = append(b.cur.Records, *b.rec)
	b.rec, b.recAmtAU = nil, false
}

func (b *eraBuilder) closeTransaction() {
	b.closeRecord()
	if b.cur == nil {
		return
	}
	if b.cur.BatchID == "" {
		b.cur.BatchID = fmt.Sprintf("ISA-%s-%d", b.isaCtrl, len(b.remits)+1)
	}
	b.remits = append(b.remits, *b.cur)
	b.cur = nil
}

func patientShare(adj []claim.Adjustment) decimal.Decimal {
	total := decimal.Zero
	for _, a := range adj {
		if strings.EqualFold(a.Group, "PR") {
			total = total.Add(a.Amount)
		}
	}
	return total
}

func procedureCode(composite string, d delimiters) string {
	parts := strings.Split(composite, d.component)
	if len(parts) > 1 {
		return strings.ToUpper(parts[1])
	}
	return strings.ToUpper(parts[0])
}

// ParseX12 reads an 835 interchange. Each ST/SE transaction becomes one
// Remittance keyed by its TRN trace number. Allowed amounts come from
// AMT*AU (claim) and AMT*B6 (line) and otherwise default to paid plus
// patient responsibility.
func ParseX12(data []byte) ([]claim.Remittance, error) {
	text := strings.TrimLeft(string(data), "\ufeff \r\n\t")
	d, err := detectDelimiters(text)
	if err != nil {
		return nil, err
	}
	b := &eraBuilder{d: d}
	for _, seg := range splitSegments(text, d) {
		switch seg[0] {
		case "ISA":
			b.isaCtrl = el(seg, 13)
		case "ST":
			if el(seg, 1) != "835" {
				return nil, fmt.Errorf("x12: transaction set %s is not an 835", el(seg, 1))
			}
			b.closeTransaction()
			b.cur = &claim.Remittance{Source: "x12"}
		case "SE":
			b.closeTransaction()
		}
		if b.cur == nil {
			continue
		}
		if err := b.segment(seg); err != nil {
			return nil, err
		}
	}
	b.closeTransaction()
	if len(b.remits) == 0 {
		return nil, fmt.Errorf("x12: no 835 transactions found")
	}
	return b.remits, nil
}

func (b *eraBuilder) segment(seg []string) error {
	switch seg[0] {
	case "BPR":
		total, err := amount(seg, 2)
		if err != nil {
			return err
		}
		b.cur.TotalPaid = total
		if t, err := time.Parse("20060102", el(seg, 16)); err == nil {
			b.cur.PaymentDate = &t
		}
	case "TRN":
		b.cur.BatchID = el(seg, 2)
	case "N1":
		if el(seg, 1) == "PR" {
			b.cur.PayerName = el(seg, 2)
			if b.cur.PayerID == "" {
				b.cur.PayerID = el(seg, 4)
			}
		}
	case "REF":
		switch el(seg, 1) {
		case "2U":
			if b.rec == nil {
				b.cur.PayerID = el(seg, 2)
			}
		case "6R":
			if b.line != nil {
				if n, err := strconv.Atoi(el(seg, 2)); err == nil {
					b.line.LineNumber = n
				}
			}
		}
	case "CLP":
		b.closeRecord()
		rec := &claim.RemittanceRecord{ClaimRef: el(seg, 1), PayerClaimID: el(seg, 7)}
		var err error
		if rec.BilledAmount, err = amount(seg, 3); err != nil {
			return err
		}
		if rec.PaidAmount, err = amount(seg, 4); err != nil {
			return err
		}
		if rec.PatientResponsibility, err = amount(seg, 5); err != nil {
			return err
		}
		b.rec = rec
	case "CAS":
		adj, err := casAdjustments(seg)
		if err != nil {
			return err
		}
		switch {
		case b.line != nil:
			b.line.Adjustments = append(b.line.Adjustments, adj...)
		case b.rec != nil:
			b.rec.Adjustments = append(b.rec.Adjustments, adj...)
		}
	case "AMT":
		amt, err := amount(seg, 2)
		if err != nil {
			return err
		}
		switch {
		case el(seg, 1) == "B6" && b.line != nil:
			b.line.AllowedAmount, b.lineAmtB6 = amt, true
		case el(seg, 1) == "AU" && b.rec != nil && b.line == nil:
			b.rec.AllowedAmount, b.recAmtAU = amt, true
		}
	case "SVC":
		if b.rec == nil {
			return nil
		}
		b.closeLine()
		line := &claim.LineRemittance{ProcedureCode: procedureCode(el(seg, 1), b.d)}
		var err error
		if line.BilledAmount, err = amount(seg, 2); err != nil {
			return err
		}
		if line.PaidAmount, err = amount(seg, 3); err != nil {
			return err
		}
		b.line = line
	}
	return nil
}

// ParseERA accepts either an X12 835 interchange or the clearinghouse JSON
// remittance document.
func ParseERA(data []byte) ([]claim.Remittance, error) {
	trimmed := bytes.TrimLeft(data, "\ufeff \r\n\t")
	if bytes.HasPrefix(trimmed, []byte("ISA")) {
		return ParseX12(trimmed)
	}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var w wireRemittance
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, fmt.Errorf("remittance json: %w", err)
		}
		if w.BatchID == "" {
			return nil, fmt.Errorf("remittance json: batch_id is required")
		}
		return []claim.Remittance{w.toRemittance("clearinghouse")}, nil
	}
	return nil, fmt.Errorf("unrecognized remittance format")
}
