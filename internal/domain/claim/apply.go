package claim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/validate"
)

// ApplyRemittance ingests an ERA batch. The batch id is the idempotency key:
// an applied batch is never touched again, and a batch interrupted part way
// resumes from its first unapplied record. Records are checkpointed one at a
// time, so a cancelled context loses no completed work.
func (e *Engine) ApplyRemittance(ctx context.Context, cmd ApplyRemittanceCommand) (*RemittanceResult, error) {
	rem := cmd.Remittance
	if err := validate.Struct(&rem); err != nil {
		return nil, err
	}
	if err := normalizeRemittance(&rem); err != nil {
		return nil, err
	}
	rem.Status = RemittanceProcessing
	rem.ReceivedAt = e.now()

	stored, created, err := e.remits.Begin(ctx, &rem)
	if err != nil {
		return nil, fmt.Errorf("begin remittance %s: %w", rem.BatchID, err)
	}
	res := &RemittanceResult{BatchID: stored.BatchID, Status: stored.Status}
	if !created && stored.Status == RemittanceApplied {
		res.Duplicate = true
		e.logger.Info().Str("batch_id", stored.BatchID).Msg("remittance batch already applied")
		return res, nil
	}

	records := append([]RemittanceRecord(nil), stored.Records...)
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	for _, rec := range records {
		if rec.Applied {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rr, err := e.applyRecord(ctx, stored.BatchID, rec)
		if err != nil {
			e.logger.Warn().Err(err).Str("batch_id", stored.BatchID).Int("seq", rec.Seq).
				Str("claim_ref", rec.ClaimRef).Msg("remittance record failed, left for retry")
			rr = RecordResult{Seq: rec.Seq, ClaimRef: rec.ClaimRef, Outcome: RecordFailed, Reason: err.Error()}
		}
		e.metrics.RemittanceRecord(rr.Outcome)
		res.add(rr)
	}

	if res.Failed > 0 {
		return res, nil
	}
	if err := e.remits.MarkApplied(ctx, stored.BatchID, e.now()); err != nil {
		return res, fmt.Errorf("mark remittance %s applied: %w", stored.BatchID, err)
	}
	res.Status = RemittanceApplied
	if e.events != nil {
		if err := e.events.Publish(ctx, events.TopicRemittanceApply, res); err != nil {
			e.logger.Error().Err(err).Str("batch_id", stored.BatchID).Msg("failed to publish remittance event")
		}
	}
	e.logger.Info().Str("batch_id", res.BatchID).Int("applied", res.Applied).Int("skipped", res.Skipped).
		Int("unknown", res.Unknown).Msg("remittance batch applied")
	return res, nil
}

func normalizeRemittance(rem *Remittance) error {
	seen := map[int]bool{}
	total := decimal.Zero
	for i := range rem.Records {
		rec := &rem.Records[i]
		if rec.Seq == 0 {
			rec.Seq = i + 1
		}
		if seen[rec.Seq] {
			return apperr.Validation("records", "duplicate seq %d", rec.Seq)
		}
		seen[rec.Seq] = true
		rec.ClaimRef = strings.TrimSpace(rec.ClaimRef)
		rec.Applied = false
		rec.Outcome = ""
		total = total.Add(rec.PaidAmount)
	}
	if rem.TotalPaid.IsZero() {
		rem.TotalPaid = total
	}
	if rem.Source == "" {
		rem.Source = "api"
	}
	return nil
}

// lookup resolves an ERA claim reference: our claim id when it parses as
// one, otherwise the clearinghouse correlation id.
func (e *Engine) lookup(ctx context.Context, ref string) (*Claim, error) {
	if id, err := uuid.Parse(ref); err == nil {
		c, err := e.claims.GetByID(ctx, id)
		if !apperr.IsNotFound(err) {
			return c, err
		}
	}
	return e.claims.GetByClearinghouseID(ctx, ref)
}

func (e *Engine) applyRecord(ctx context.Context, batchID string, rec RemittanceRecord) (RecordResult, error) {
	var rr RecordResult
	err := retryConflict(ctx, func() error {
		rr = RecordResult{Seq: rec.Seq, ClaimRef: rec.ClaimRef}
		var ch change
		err := e.tx.InTx(ctx, func(ctx context.Context) error {
			ch = change{}
			c, err := e.lookup(ctx, rec.ClaimRef)
			if apperr.IsNotFound(err) {
				e.logger.Warn().Str("batch_id", batchID).Str("claim_ref", rec.ClaimRef).
					Msg("remittance references unknown claim, skipping")
				rr.Outcome = RecordUnknownClaim
				return e.remits.MarkRecordApplied(ctx, batchID, rec.Seq, rr.Outcome)
			}
			if err != nil {
				return err
			}
			rr.ClaimID = c.ID.String()
			if reason, ok := e.settleRecord(c, rec, &ch); !ok {
				rr.Outcome, rr.Reason, rr.Status = skipOutcome(reason), reason, c.Status
				e.logger.Warn().Str("batch_id", batchID).Str("claim_id", rr.ClaimID).Str("reason", reason).
					Msg("remittance record skipped")
				return e.remits.MarkRecordApplied(ctx, batchID, rec.Seq, rr.Outcome)
			}
			orig := c.Version - len(ch.edges)
			c.UpdatedAt = e.now()
			if err := e.claims.Update(ctx, c, orig); err != nil {
				return err
			}
			for _, f := range ch.after {
				if err := f(ctx, c); err != nil {
					return err
				}
			}
			rr.Outcome, rr.Status = RecordApplied, c.Status
			return e.remits.MarkRecordApplied(ctx, batchID, rec.Seq, rr.Outcome)
		})
		if err == nil {
			e.commit(ctx, ch)
		}
		return err
	})
	return rr, err
}

const transitionReasonPrefix = "no transition"

func skipOutcome(reason string) string {
	if strings.HasPrefix(reason, transitionReasonPrefix) {
		return RecordInvalidTransition
	}
	return RecordInvariantViolated
}

// settleRecord applies one ERA record to c in memory. It returns the reason
// and false when the record must be skipped, leaving c unchanged.
func (e *Engine) settleRecord(c *Claim, rec RemittanceRecord, ch *change) (string, bool) {
	if err := CheckAmounts(c.BilledAmount, rec.AllowedAmount, rec.PaidAmount); err != nil {
		return err.Error(), false
	}
	target := OutcomeFor(rec.AllowedAmount, rec.PaidAmount)
	path, ok := autoPath(c, target)
	if !ok {
		return fmt.Sprintf("%s from %s to %s", transitionReasonPrefix, c.Status, target), false
	}
	now := e.now()
	appealed := c.Status == StatusAppealed
	c.AllowedAmount, c.PaidAmount = rec.AllowedAmount, rec.PaidAmount
	applyLines(c, rec, target)
	ch.walk(c, path, now)

	// A remittance on an appealed claim is the payer's answer to the appeal.
	// The appeal and its denials are closed instead of recording new ones.
	if appealed {
		if e.resolver != nil {
			ch.then(func(ctx context.Context, c *Claim) error {
				return e.resolver.ResolveAppealByRemittance(ctx, c, now)
			})
		}
		if target != StatusDenied {
			e.settle(c, ch, now)
		}
		return "", true
	}

	if target == StatusDenied {
		codes := rec.DenialCodes()
		if len(codes) == 0 {
			codes = []string{"UNSPECIFIED"}
		}
		notices := make([]DenialNotice, 0, len(codes))
		for _, code := range codes {
			notices = append(notices, DenialNotice{
				ClaimID: c.ID, AccountID: c.AccountID, PayerID: c.PayerID, ReasonCode: code, DeniedAt: now,
			})
		}
		e.recordDenials(ch, notices, codes, now)
		return "", true
	}

	// Lines the payer refused inside a partially paid claim are denials too.
	var notices []DenialNotice
	var codes []string
	for _, l := range c.Lines {
		if l.Outcome != OutcomeDenied {
			continue
		}
		n := l.LineNumber
		lineCodes := l.ReasonCodes
		if len(lineCodes) == 0 {
			lineCodes = []string{"UNSPECIFIED"}
		}
		for _, code := range lineCodes {
			notices = append(notices, DenialNotice{
				ClaimID: c.ID, AccountID: c.AccountID, PayerID: c.PayerID, LineNumber: &n, ReasonCode: code, DeniedAt: now,
			})
			codes = append(codes, code)
		}
	}
	if len(notices) > 0 {
		e.recordDenials(ch, notices, normalizeCodes(codes), now)
	}
	e.settle(c, ch, now)
	return "", true
}

// applyLines copies line-level adjudication onto the claim lines. Lines are
// matched by number, then by the first unmatched line with the same
// procedure code. Without line detail every line takes the claim outcome.
func applyLines(c *Claim, rec RemittanceRecord, target Status) {
	if len(rec.Lines) == 0 {
		outcome := OutcomeAdjusted
		switch target {
		case StatusPaid:
			outcome = OutcomePaid
		case StatusDenied:
			outcome = OutcomeDenied
		}
		codes := normalizeCodes(adjustmentCodes(rec.Adjustments))
		for i := range c.Lines {
			c.Lines[i].Outcome = outcome
			c.Lines[i].ReasonCodes = codes
		}
		return
	}
	matched := map[int]bool{}
	for _, lr := range rec.Lines {
		l := matchLine(c, lr, matched)
		if l == nil {
			continue
		}
		matched[l.LineNumber] = true
		l.AllowedAmount = lr.AllowedAmount
		l.PaidAmount = lr.PaidAmount
		l.ReasonCodes = normalizeCodes(adjustmentCodes(lr.Adjustments))
		switch {
		case lr.PaidAmount.IsZero():
			l.Outcome = OutcomeDenied
			l.ReasonCodes = denialCodes(lr.Adjustments)
		case lr.PaidAmount.LessThan(l.Charge()):
			l.Outcome = OutcomeAdjusted
		default:
			l.Outcome = OutcomePaid
		}
	}
}

func matchLine(c *Claim, lr LineRemittance, matched map[int]bool) *LineItem {
	if lr.LineNumber > 0 {
		if l, ok := c.Line(lr.LineNumber); ok && !matched[l.LineNumber] {
			return l
		}
	}
	code := strings.ToUpper(strings.TrimSpace(lr.ProcedureCode))
	for i := range c.Lines {
		l := &c.Lines[i]
		if !matched[l.LineNumber] && code != "" && l.ProcedureCode == code {
			return l
		}
	}
	return nil
}

func adjustmentCodes(adj []Adjustment) []string {
	out := make([]string, 0, len(adj))
	for _, a := range adj {
		out = append(out, a.Code())
	}
	return out
}

func (e *Engine) GetRemittance(ctx context.Context, batchID string) (*Remittance, error) {
	return e.remits.GetByBatchID(ctx, batchID)
}
