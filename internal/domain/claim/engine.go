package claim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/telemetry"
	"github.com/ehr/rcm/internal/platform/validate"
)

// conflictAttempts bounds how often sync paths reload a claim after losing
// an optimistic-concurrency race.
const conflictAttempts = 3

// Engine is the only writer of claim status and payment amounts.
type Engine struct {
	claims    Repository
	remits    RemittanceRepository
	tx        TxRunner
	submitter Submitter
	denials   DenialRecorder
	appeals   AppealWriter
	resolver  AppealResolver
	ledger    Ledger
	accounts  AccountDirectory
	events    EventPublisher
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	clock     func() time.Time
}

type Option func(*Engine)

func WithSubmitter(s Submitter) Option { return func(e *Engine) { e.submitter = s } }
func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }
func WithAccounts(d AccountDirectory) Option { return func(e *Engine) { e.accounts = d } }
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

func NewEngine(claims Repository, remits RemittanceRepository, tx TxRunner, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		claims: claims,
		remits: remits,
		tx:     tx,
		logger: logger.With().Str("component", "claim-engine").Logger(),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetDenialRecorder, SetAppealWriter and SetAppealResolver break the
// construction cycle with the denial workflow, which itself calls back into
// the engine.
func (e *Engine) SetDenialRecorder(r DenialRecorder) { e.denials = r }
func (e *Engine) SetAppealWriter(w AppealWriter) { e.appeals = w }
func (e *Engine) SetAppealResolver(r AppealResolver) { e.resolver = r }

func (e *Engine) now() time.Time { return e.clock().UTC() }

type pendingEvent struct {
	topic   string
	payload interface{}
}

type edge struct{ from, to Status }

// change carries what a mutation produced besides the claim itself.
type change struct {
	edges  []edge
	events []pendingEvent
	after  []func(ctx context.Context, c *Claim) error
}

func (ch *change) walk(c *Claim, path []Status, at time.Time) {
	for _, s := range path {
		ch.edges = append(ch.edges, edge{c.Status, s})
		if s == StatusAdjudicated {
			c.AdjudicatedAt = &at
		}
		c.Status = s
		c.Version++
	}
}

func (ch *change) then(fn func(ctx context.Context, c *Claim) error) { ch.after = append(ch.after, fn) }

func (ch *change) publish(topic string, payload interface{}) {
	ch.events = append(ch.events, pendingEvent{topic, payload})
}

func transitionError(c *Claim, to Status) error {
	return &apperr.InvalidTransitionError{Entity: "claim", ID: c.ID.String(), From: string(c.Status), To: string(to)}
}

// mutate loads the claim, lets fn change it, persists it under the version
// check and runs follow-up writes, all in one transaction. Events are
// published only after commit.
func (e *Engine) mutate(ctx context.Context, id uuid.UUID, expected *int, fn func(ctx context.Context, c *Claim, ch *change) error) (*Claim, error) {
	var (
		out *Claim
		ch  change
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		ch = change{}
		c, err := e.claims.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if expected != nil && c.Version != *expected {
			return &apperr.ConcurrentModificationError{Entity: "claim", ID: id.String(), Version: *expected}
		}
		orig := c.Version
		if err := fn(ctx, c, &ch); err != nil {
			return err
		}
		if c.Version == orig {
			c.Version++
		}
		c.UpdatedAt = e.now()
		if err := e.claims.Update(ctx, c, orig); err != nil {
			return err
		}
		for _, f := range ch.after {
			if err := f(ctx, c); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.commit(ctx, ch)
	return out, nil
}

// commit records metrics and publishes events for a persisted change. When
// ctx carries an enclosing transaction both wait until it commits.
func (e *Engine) commit(ctx context.Context, ch change) {
	db.AfterCommit(ctx, func(ctx context.Context) {
		for _, ed := range ch.edges {
			e.metrics.ClaimTransition(string(ed.from), string(ed.to))
		}
		if e.events == nil {
			return
		}
		for _, ev := range ch.events {
			if err := e.events.Publish(ctx, ev.topic, ev.payload); err != nil {
				e.logger.Error().Err(err).Str("topic", ev.topic).Msg("failed to publish claim event")
			}
		}
	})
}

// retryConflict re-runs fn with fresh state when it loses a version race.
func retryConflict(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < conflictAttempts; i++ {
		if err = fn(); !apperr.IsConflict(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// -- Queries --

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return e.claims.GetByID(ctx, id)
}

func (e *Engine) List(ctx context.Context, f ListFilter) ([]*Claim, int, error) {
	for _, s := range f.Status {
		if !s.Valid() {
			return nil, 0, apperr.Validation("status", "unknown status %q", s)
		}
	}
	return e.claims.List(ctx, f)
}

// -- Commands --

func (e *Engine) Create(ctx context.Context, cmd CreateClaimCommand) (*Claim, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	if e.accounts != nil {
		ok, err := e.accounts.AccountExists(ctx, cmd.AccountID)
		if err != nil {
			return nil, fmt.Errorf("look up account %s: %w", cmd.AccountID, err)
		}
		if !ok {
			return nil, apperr.Validation("account_id", "account %s does not exist", cmd.AccountID)
		}
	}
	now := e.now()
	c := &Claim{
		ID:          uuid.New(),
		AccountID:   cmd.AccountID,
		PayerID:     strings.TrimSpace(cmd.PayerID),
		PayerName:   cmd.PayerName,
		SelfPay:     cmd.SelfPay,
		Status:      StatusDraft,
		ServiceDate: cmd.ServiceDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, in := range cmd.Lines {
		l := LineItem{
			ID:             uuid.New(),
			LineNumber:     i + 1,
			ProcedureCode:  strings.ToUpper(strings.TrimSpace(in.ProcedureCode)),
			Modifiers:      in.Modifiers,
			DiagnosisCodes: in.DiagnosisCodes,
			UnitPrice:      in.UnitPrice,
			Quantity:       in.Quantity,
			Outcome:        OutcomePending,
		}
		c.BilledAmount = c.BilledAmount.Add(l.Charge())
		c.Lines = append(c.Lines, l)
	}
	if err := e.claims.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Submit moves a draft claim to submitted and hands it to the clearinghouse.
// The claim stays submitted when the clearinghouse cannot be reached; the
// returned ClearinghouseUnavailableError tells the caller the send is pending.
func (e *Engine) Submit(ctx context.Context, cmd SubmitCommand) (*Claim, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	c, err := e.mutate(ctx, cmd.ClaimID, cmd.ExpectedVersion, func(_ context.Context, c *Claim, ch *change) error {
		if c.Status != StatusDraft {
			return transitionError(c, StatusSubmitted)
		}
		if len(c.Lines) == 0 {
			return apperr.Validation("lines", "at least one line item is required")
		}
		if c.PayerID == "" {
			return apperr.Validation("payer_id", "is required")
		}
		now := e.now()
		c.SubmittedAt = &now
		ch.walk(c, []Status{StatusSubmitted}, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, c)
}

// Resubmit retries the clearinghouse send for a submitted claim that never
// received a correlation id. Any other claim is returned unchanged.
func (e *Engine) Resubmit(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := e.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusSubmitted || c.ClearinghouseID != "" {
		return c, nil
	}
	return e.dispatch(ctx, c)
}

func (e *Engine) dispatch(ctx context.Context, c *Claim) (*Claim, error) {
	if e.submitter == nil {
		return c, nil
	}
	chID, sendErr := e.submitter.SubmitClaim(ctx, c)
	switch {
	case sendErr == nil, errors.Is(sendErr, ErrFormatRejected):
	case errors.Is(sendErr, ErrSubmissionRefused):
		// Stamp the sync time so the sweep waits a full dwell before the
		// next attempt.
		e.logger.Error().Err(sendErr).Str("claim_id", c.ID.String()).Msg("clearinghouse refused claim submission")
		refused, err := e.mutate(ctx, c.ID, nil, func(_ context.Context, c *Claim, _ *change) error {
			now := e.now()
			c.LastSyncedAt = &now
			c.ExternalStatus = "refused"
			return nil
		})
		if err != nil {
			return c, sendErr
		}
		return refused, sendErr
	default:
		e.logger.Warn().Err(sendErr).Str("claim_id", c.ID.String()).Msg("claim submission pending retry")
		return c, sendErr
	}

	var out *Claim
	err := retryConflict(ctx, func() error {
		updated, err := e.mutate(ctx, c.ID, nil, func(_ context.Context, c *Claim, ch *change) error {
			now := e.now()
			c.LastSyncedAt = &now
			if sendErr != nil {
				if !CanTransition(c.Status, StatusRejected) {
					return transitionError(c, StatusRejected)
				}
				c.ExternalStatus = "rejected"
				ch.walk(c, []Status{StatusRejected}, now)
				e.logger.Info().Str("claim_id", c.ID.String()).Str("reason", sendErr.Error()).Msg("claim rejected by clearinghouse")
				return nil
			}
			if c.ClearinghouseID == "" {
				c.ClearinghouseID = chID
				c.ExternalStatus = "received"
			}
			return nil
		})
		out = updated
		return err
	})
	if err != nil && chID != "" {
		e.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Str("clearinghouse_id", chID).
			Msg("clearinghouse accepted claim but its id was not recorded")
	}
	return out, err
}

func normalizeCodes(codes []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// autoPath is the walk an external adjudication event may take. Drafts were
// never sent, so nothing external can move them.
func autoPath(c *Claim, to Status) ([]Status, bool) {
	if c.Status == StatusDraft {
		return nil, false
	}
	return Path(c.Status, to)
}

// deny records the denial side of a transition into denied: one notice per
// distinct code, the line outcome when line-scoped, and the denied event.
func (e *Engine) deny(c *Claim, ch *change, line *int, codes []string, at time.Time) {
	if len(codes) == 0 {
		codes = []string{"UNSPECIFIED"}
	}
	if line != nil {
		if l, ok := c.Line(*line); ok {
			l.Outcome = OutcomeDenied
			l.ReasonCodes = codes
			l.PaidAmount = decimal.Zero
		}
	} else {
		for i := range c.Lines {
			if c.Lines[i].Outcome != OutcomeDenied {
				c.Lines[i].Outcome = OutcomeDenied
				c.Lines[i].ReasonCodes = codes
			}
		}
	}
	notices := make([]DenialNotice, 0, len(codes))
	for _, code := range codes {
		notices = append(notices, DenialNotice{
			ClaimID: c.ID, AccountID: c.AccountID, PayerID: c.PayerID,
			LineNumber: line, ReasonCode: code, DeniedAt: at,
		})
	}
	e.recordDenials(ch, notices, codes, at)
}

func (e *Engine) recordDenials(ch *change, notices []DenialNotice, codes []string, at time.Time) {
	ev := &DeniedEvent{ReasonCodes: codes, DeniedAt: at}
	ch.then(func(ctx context.Context, c *Claim) error {
		ev.ClaimID, ev.AccountID, ev.PayerID = c.ID, c.AccountID, c.PayerID
		if e.denials == nil {
			return nil
		}
		ids, err := e.denials.RecordDenials(ctx, notices)
		if err != nil {
			return err
		}
		ev.DenialIDs = ids
		return nil
	})
	ch.publish(events.TopicClaimDenied, ev)
}

// settle posts the change in patient residual to the account ledger and
// queues the paid event.
func (e *Engine) settle(c *Claim, ch *change, at time.Time) {
	residual := c.Residual()
	delta := residual.Sub(c.PatientBalance)
	c.PatientBalance = residual
	if !delta.IsZero() && e.ledger != nil {
		ch.then(func(ctx context.Context, c *Claim) error {
			return e.ledger.PostClaimBalance(ctx, c.AccountID, c.ID, delta, at)
		})
	}
	ch.publish(events.TopicClaimPaid, PaidEvent{
		ClaimID: c.ID, AccountID: c.AccountID, Status: c.Status, PaidAmount: c.PaidAmount, Residual: residual,
	})
}

func (e *Engine) MarkDenied(ctx context.Context, cmd MarkDeniedCommand) (*Claim, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	codes := normalizeCodes(cmd.ReasonCodes)
	if len(codes) == 0 {
		return nil, apperr.Validation("reason_codes", "at least one reason code is required")
	}
	return e.mutate(ctx, cmd.ClaimID, cmd.ExpectedVersion, func(_ context.Context, c *Claim, ch *change) error {
		path, ok := autoPath(c, StatusDenied)
		if !ok {
			return transitionError(c, StatusDenied)
		}
		if cmd.LineNumber != nil {
			if _, found := c.Line(*cmd.LineNumber); !found {
				return apperr.Validation("line_number", "claim has no line %d", *cmd.LineNumber)
			}
		}
		now := e.now()
		ch.walk(c, path, now)
		c.PaidAmount = decimal.Zero
		e.deny(c, ch, cmd.LineNumber, codes, now)
		return nil
	})
}

// FileAppeal moves a denied claim to appealed once the appeal writer has
// produced the letter. A writer failure leaves the claim denied.
func (e *Engine) FileAppeal(ctx context.Context, cmd FileAppealCommand) (*Claim, *AppealRef, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, nil, err
	}
	var ref *AppealRef
	c, err := e.mutate(ctx, cmd.ClaimID, cmd.ExpectedVersion, func(ctx context.Context, c *Claim, ch *change) error {
		if !CanTransition(c.Status, StatusAppealed) {
			return transitionError(c, StatusAppealed)
		}
		if e.appeals != nil {
			r, err := e.appeals.WriteAppeal(ctx, AppealRequest{
				Claim: c.clone(), DenialID: cmd.DenialID, AppealType: cmd.AppealType, Fields: cmd.Fields,
			})
			if err != nil {
				return err
			}
			ref = r
		}
		ch.walk(c, []Status{StatusAppealed}, e.now())
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, ref, nil
}

func (e *Engine) Void(ctx context.Context, cmd VoidCommand) (*Claim, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	return e.mutate(ctx, cmd.ClaimID, cmd.ExpectedVersion, func(_ context.Context, c *Claim, ch *change) error {
		if !CanTransition(c.Status, StatusVoid) {
			return transitionError(c, StatusVoid)
		}
		c.VoidReason = strings.TrimSpace(cmd.Reason)
		ch.walk(c, []Status{StatusVoid}, e.now())
		return nil
	})
}

// Readjudicate applies an overturned or partially overturned appeal:
// appealed -> adjudicated -> paid | partially_paid.
func (e *Engine) Readjudicate(ctx context.Context, cmd ReadjudicateCommand) (*Claim, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	return e.mutate(ctx, cmd.ClaimID, nil, func(_ context.Context, c *Claim, ch *change) error {
		if c.Status != StatusAppealed {
			return transitionError(c, StatusAdjudicated)
		}
		allowed := c.AllowedAmount
		if cmd.AllowedAmount != nil {
			allowed = *cmd.AllowedAmount
		} else if allowed.IsZero() {
			allowed = c.BilledAmount
		}
		paid := allowed
		if cmd.PaidAmount != nil {
			paid = *cmd.PaidAmount
		}
		if err := CheckAmounts(c.BilledAmount, allowed, paid); err != nil {
			return apperr.Validation("paid_amount", "%s", err)
		}
		target := OutcomeFor(allowed, paid)
		if target == StatusDenied {
			return apperr.Validation("paid_amount", "an overturned appeal must pay a positive amount")
		}
		now := e.now()
		c.AllowedAmount, c.PaidAmount = allowed, paid
		for i := range c.Lines {
			if target == StatusPaid {
				c.Lines[i].Outcome = OutcomePaid
				c.Lines[i].ReasonCodes = nil
			} else if c.Lines[i].Outcome == OutcomeDenied {
				c.Lines[i].Outcome = OutcomeAdjusted
			}
		}
		ch.walk(c, []Status{StatusAdjudicated, target}, now)
		e.settle(c, ch, now)
		return nil
	})
}

// UpholdDenial returns an appealed claim to denied after the payer upholds
// its decision. No new denial records are created.
func (e *Engine) UpholdDenial(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return e.mutate(ctx, id, nil, func(_ context.Context, c *Claim, ch *change) error {
		if c.Status != StatusAppealed {
			return transitionError(c, StatusDenied)
		}
		ch.walk(c, []Status{StatusDenied}, e.now())
		return nil
	})
}

// ApplyStatusUpdate folds one clearinghouse poll result into the claim.
// Payment amounts only ever come from remittances, so a paid status walks
// the claim no further than adjudicated. Updates that no edge can honor
// refresh the sync stamp and nothing else.
func (e *Engine) ApplyStatusUpdate(ctx context.Context, u StatusUpdate) (*Claim, error) {
	var out *Claim
	err := retryConflict(ctx, func() error {
		c, err := e.mutate(ctx, u.ClaimID, nil, func(_ context.Context, c *Claim, ch *change) error {
			now := e.now()
			c.LastSyncedAt = &now
			if u.ExternalStatus != "" {
				c.ExternalStatus = u.ExternalStatus
			}
			if u.ClearinghouseID != "" && c.ClearinghouseID == "" {
				c.ClearinghouseID = u.ClearinghouseID
			}
			target := u.Status
			if target == StatusPaid || target == StatusPartiallyPaid {
				target = StatusAdjudicated
			}
			if target == "" || target == c.Status {
				return nil
			}
			var path []Status
			if target == StatusRejected {
				if !CanTransition(c.Status, StatusRejected) {
					e.ignoredUpdate(c, u)
					return nil
				}
				path = []Status{StatusRejected}
			} else {
				p, ok := autoPath(c, target)
				if !ok {
					e.ignoredUpdate(c, u)
					return nil
				}
				path = p
			}
			if u.AllowedAmount != nil && target == StatusAdjudicated {
				if err := CheckAmounts(c.BilledAmount, *u.AllowedAmount, decimal.Zero); err == nil {
					c.AllowedAmount = *u.AllowedAmount
				}
			}
			ch.walk(c, path, now)
			if target == StatusDenied {
				c.PaidAmount = decimal.Zero
				e.deny(c, ch, nil, normalizeCodes(u.ReasonCodes), now)
			}
			return nil
		})
		out = c
		return err
	})
	return out, err
}

func (e *Engine) ignoredUpdate(c *Claim, u StatusUpdate) {
	e.logger.Debug().Str("claim_id", c.ID.String()).Str("status", string(c.Status)).
		Str("external_status", u.ExternalStatus).Msg("status update has no transition")
}
