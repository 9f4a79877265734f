package denial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/telemetry"
	"github.com/ehr/rcm/internal/platform/validate"
)

// ClaimEngine is the slice of the lifecycle engine the workflow drives.
type ClaimEngine interface {
	Get(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
	FileAppeal(ctx context.Context, cmd claim.FileAppealCommand) (*claim.Claim, *claim.AppealRef, error)
	Readjudicate(ctx context.Context, cmd claim.ReadjudicateCommand) (*claim.Claim, error)
	UpholdDenial(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
}

type Config struct {
	AppealWindowDays int
	// UpheldPolicy is the denial status after an upheld appeal: resolved
	// or written-off.
	UpheldPolicy Status
}

func DefaultConfig() Config {
	return Config{AppealWindowDays: 90, UpheldPolicy: StatusResolved}
}

type Service struct {
	repo    Repository
	engine  ClaimEngine
	tx      claim.TxRunner
	blobs   blobstore.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	clock   func() time.Time
}

type Option func(*Service)

func WithBlobStore(b blobstore.Store) Option { return func(s *Service) { s.blobs = b } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

func NewService(repo Repository, engine ClaimEngine, tx claim.TxRunner, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.AppealWindowDays <= 0 {
		cfg.AppealWindowDays = 90
	}
	if cfg.UpheldPolicy == "" {
		cfg.UpheldPolicy = StatusResolved
	}
	s := &Service{
		repo:   repo,
		engine: engine,
		tx:     tx,
		cfg:    cfg,
		logger: logger.With().Str("component", "denial").Logger(),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// CategorizeDenial classifies a set of reason codes.
func (s *Service) CategorizeDenial(cmd CategorizeCommand) (*CategoryResult, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	cat := Categorize(cmd.ReasonCodes)
	return &CategoryResult{Category: cat, ReasonCodes: normalizeCodes(cmd.ReasonCodes), Resolutions: SuggestResolution(cat)}, nil
}

// RecordDenials stores one denial per notice. The claim engine calls it
// inside the transaction that moves the claim to denied.
func (s *Service) RecordDenials(ctx context.Context, notices []claim.DenialNotice) ([]uuid.UUID, error) {
	now := s.now()
	ds := make([]*Denial, 0, len(notices))
	for _, n := range notices {
		codes := normalizeCodes([]string{n.ReasonCode})
		ds = append(ds, &Denial{
			ClaimID:        n.ClaimID,
			AccountID:      n.AccountID,
			LineNumber:     n.LineNumber,
			PayerID:        n.PayerID,
			ReasonCodes:    codes,
			Category:       Categorize(codes),
			Status:         StatusNew,
			DeniedAt:       n.DeniedAt,
			AppealDeadline: n.DeniedAt.AddDate(0, 0, s.cfg.AppealWindowDays),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := s.repo.CreateDenials(ctx, ds); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids, nil
}

// HandleDenialEvent marks freshly recorded denials analyzed. Denials already
// past new are left alone, so redelivery is harmless.
func (s *Service) HandleDenialEvent(ctx context.Context, evt events.Event) error {
	var de claim.DeniedEvent
	if err := evt.Decode(&de); err != nil {
		return err
	}
	for _, id := range de.DenialIDs {
		d, err := s.repo.GetDenial(ctx, id)
		if apperr.IsNotFound(err) {
			s.logger.Warn().Str("denial_id", id.String()).Str("event_id", evt.ID).Msg("denial in event not found")
			continue
		}
		if err != nil {
			return err
		}
		if d.Status != StatusNew {
			continue
		}
		orig := d.Version
		d.Category = Categorize(d.ReasonCodes)
		d.Status = StatusAnalyzed
		d.Version++
		d.UpdatedAt = s.now()
		if err := s.repo.UpdateDenial(ctx, d, orig); err != nil {
			var cme *apperr.ConcurrentModificationError
			if errors.As(err, &cme) {
				continue
			}
			return err
		}
		s.metrics.Denial(string(d.Category))
		s.logger.Info().Str("denial_id", d.ID.String()).Str("claim_id", d.ClaimID.String()).
			Str("category", string(d.Category)).Msg("denial analyzed")
	}
	return nil
}

func (s *Service) GetDenial(ctx context.Context, id uuid.UUID) (*Denial, []*Appeal, error) {
	d, err := s.repo.GetDenial(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	appeals, err := s.repo.ListAppeals(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return d, appeals, nil
}

func (s *Service) ListDenials(ctx context.Context, f ListFilter) ([]*Denial, int, error) {
	for _, st := range f.Status {
		if _, ok := statusTransitions[st]; !ok && st != StatusWrittenOff {
			return nil, 0, apperr.Validation("status", "unknown denial status %q", st)
		}
	}
	for _, c := range f.Category {
		if !c.Valid() {
			return nil, 0, apperr.Validation("category", "unknown category %q", c)
		}
	}
	return s.repo.ListDenials(ctx, f)
}

func (s *Service) GetAppeal(ctx context.Context, id uuid.UUID) (*Appeal, error) {
	return s.repo.GetAppeal(ctx, id)
}

// GenerateAppeal files an appeal for a denial: the claim moves to appealed
// and the letter is stored. Missing letter data fails with
// InsufficientDataError and changes nothing.
func (s *Service) GenerateAppeal(ctx context.Context, cmd GenerateAppealCommand) (*Appeal, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	d, err := s.repo.GetDenial(ctx, cmd.DenialID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAppealable(d); err != nil {
		return nil, err
	}
	id := d.ID
	_, ref, err := s.engine.FileAppeal(ctx, claim.FileAppealCommand{
		ClaimID: d.ClaimID, DenialID: &id, AppealType: cmd.AppealType, Fields: cmd.Fields,
	})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("claim engine filed appeal for denial %s without an appeal writer", d.ID)
	}
	return s.repo.GetAppeal(ctx, ref.AppealID)
}

func (s *Service) checkAppealable(d *Denial) error {
	if !canTransition(d.Status, StatusAppealed) {
		return &apperr.InvalidTransitionError{Entity: "denial", ID: d.ID.String(), From: string(d.Status), To: string(StatusAppealed)}
	}
	if s.now().After(d.AppealDeadline) {
		return apperr.Validation("appeal_deadline", "appeal window closed on %s", d.AppealDeadline.Format(time.DateOnly))
	}
	return nil
}

// WriteAppeal renders, stores and archives the appeal letter for a claim
// the engine is moving to appealed. Without an explicit denial the most
// recent appealable denial on the claim is used. Every open denial on the
// claim joins the appeal.
func (s *Service) WriteAppeal(ctx context.Context, req claim.AppealRequest) (*claim.AppealRef, error) {
	c := req.Claim
	all, err := s.repo.ListByClaim(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var primary *Denial
	for _, d := range all {
		if req.DenialID != nil {
			if d.ID == *req.DenialID {
				primary = d
			}
			continue
		}
		if primary == nil && canTransition(d.Status, StatusAppealed) {
			primary = d
		}
	}
	if primary == nil {
		if req.DenialID != nil {
			return nil, apperr.NotFound("denial", req.DenialID.String())
		}
		return nil, apperr.Validation("denial_id", "claim %s has no appealable denial", c.ID)
	}
	if err := s.checkAppealable(primary); err != nil {
		return nil, err
	}

	joined := []*Denial{primary}
	for _, d := range all {
		if d.ID != primary.ID && (d.Status == StatusNew || d.Status == StatusAnalyzed) {
			joined = append(joined, d)
		}
	}
	var codes []string
	for _, d := range joined {
		codes = append(codes, d.ReasonCodes...)
	}
	codes = normalizeCodes(codes)
	cat := Categorize(codes)

	appealType := AppealType(req.AppealType)
	if appealType == "" {
		appealType = AppealFirstLevel
	}
	letter, err := renderLetter(c, primary, cat, appealType, codes, req.Fields)
	if err != nil {
		return nil, err
	}

	now := s.now()
	a := &Appeal{
		ID:          uuid.New(),
		DenialID:    primary.ID,
		ClaimID:     c.ID,
		AppealType:  appealType,
		Category:    cat,
		Letter:      letter,
		SubmittedAt: now,
		Deadline:    primary.AppealDeadline,
		Outcome:     OutcomePending,
	}
	if s.blobs != nil {
		key := blobstore.AppealLetterKey(a.ID.String())
		meta := map[string]string{"claim_id": c.ID.String(), "denial_id": primary.ID.String()}
		if _, err := s.blobs.Put(ctx, key, "text/plain", []byte(letter.Body), meta); err != nil {
			return nil, fmt.Errorf("archive appeal letter: %w", err)
		}
		a.LetterKey = key
	}
	for _, d := range joined {
		if err := s.moveDenial(ctx, d, StatusAppealed, now); err != nil {
			return nil, err
		}
	}
	if err := s.repo.CreateAppeal(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("appeal_id", a.ID.String()).Str("claim_id", c.ID.String()).
		Str("category", string(cat)).Str("appeal_type", string(appealType)).Msg("appeal filed")
	return &claim.AppealRef{AppealID: a.ID, DenialID: primary.ID, Deadline: a.Deadline}, nil
}

func (s *Service) moveDenial(ctx context.Context, d *Denial, to Status, at time.Time) error {
	if !canTransition(d.Status, to) {
		return &apperr.InvalidTransitionError{Entity: "denial", ID: d.ID.String(), From: string(d.Status), To: string(to)}
	}
	orig := d.Version
	d.Status = to
	d.Version++
	d.UpdatedAt = at
	return s.repo.UpdateDenial(ctx, d, orig)
}

// TrackOutcome records the payer's answer to an appeal. Overturned and
// partial outcomes re-adjudicate the claim; upheld returns it to denied and
// closes the denials per the upheld policy. Repeating a recorded outcome is
// a no-op.
func (s *Service) TrackOutcome(ctx context.Context, cmd TrackOutcomeCommand) (*Appeal, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	if cmd.Outcome == OutcomePartial && cmd.PaidAmount == nil {
		return nil, apperr.Validation("paid_amount", "is required for a partial outcome")
	}
	a, err := s.repo.GetAppeal(ctx, cmd.AppealID)
	if err != nil {
		return nil, err
	}
	if a.Outcome != OutcomePending {
		if a.Outcome == cmd.Outcome {
			return a, nil
		}
		return nil, apperr.Validation("outcome", "appeal already resolved as %s", a.Outcome)
	}

	now := s.now()
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		closeAs := StatusResolved
		switch cmd.Outcome {
		case OutcomeOverturned, OutcomePartial:
			if _, err := s.engine.Readjudicate(ctx, claim.ReadjudicateCommand{
				ClaimID: a.ClaimID, AllowedAmount: cmd.AllowedAmount, PaidAmount: cmd.PaidAmount,
			}); err != nil {
				return err
			}
		case OutcomeUpheld:
			if _, err := s.engine.UpholdDenial(ctx, a.ClaimID); err != nil {
				return err
			}
			closeAs = s.cfg.UpheldPolicy
		}
		denials, err := s.repo.ListByClaim(ctx, a.ClaimID)
		if err != nil {
			return err
		}
		return s.closeAppeal(ctx, a.ID, denials, cmd.Outcome, closeAs, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("appeal_id", a.ID.String()).Str("claim_id", a.ClaimID.String()).
		Str("outcome", string(cmd.Outcome)).Msg("appeal outcome recorded")
	return s.repo.GetAppeal(ctx, a.ID)
}

// closeAppeal moves every appealed denial to closeAs and records the
// appeal outcome.
func (s *Service) closeAppeal(ctx context.Context, appealID uuid.UUID, denials []*Denial, outcome Outcome, closeAs Status, at time.Time) error {
	for _, d := range denials {
		if d.Status != StatusAppealed {
			continue
		}
		if err := s.moveDenial(ctx, d, closeAs, at); err != nil {
			return err
		}
	}
	return s.repo.ResolveAppeal(ctx, appealID, outcome, at)
}

// ResolveAppealByRemittance closes the pending appeal on a claim a
// remittance moved out of appealed: upheld when it was denied again,
// overturned when paid and partial when partially paid. The engine calls it
// inside the transaction that persists the claim.
func (s *Service) ResolveAppealByRemittance(ctx context.Context, c *claim.Claim, at time.Time) error {
	outcome, closeAs := OutcomeOverturned, StatusResolved
	switch c.Status {
	case claim.StatusDenied:
		outcome, closeAs = OutcomeUpheld, s.cfg.UpheldPolicy
	case claim.StatusPartiallyPaid:
		outcome = OutcomePartial
	case claim.StatusPaid:
	default:
		return fmt.Errorf("resolve appeal for claim %s: unexpected status %s", c.ID, c.Status)
	}
	denials, err := s.repo.ListByClaim(ctx, c.ID)
	if err != nil {
		return err
	}
	var pending *Appeal
	for _, d := range denials {
		if d.Status != StatusAppealed || pending != nil {
			continue
		}
		appeals, err := s.repo.ListAppeals(ctx, d.ID)
		if err != nil {
			return err
		}
		for _, a := range appeals {
			if a.Outcome == OutcomePending {
				pending = a
				break
			}
		}
	}
	if pending == nil {
		s.logger.Warn().Str("claim_id", c.ID.String()).Str("status", string(c.Status)).
			Msg("remittance settled an appealed claim with no pending appeal")
		for _, d := range denials {
			if d.Status == StatusAppealed {
				if err := s.moveDenial(ctx, d, closeAs, at); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := s.closeAppeal(ctx, pending.ID, denials, outcome, closeAs, at); err != nil {
		return err
	}
	s.logger.Info().Str("appeal_id", pending.ID.String()).Str("claim_id", c.ID.String()).
		Str("outcome", string(outcome)).Msg("appeal outcome recorded from remittance")
	return nil
}

// AnalyzeDenialPatterns counts denials recorded in the last timeframeDays
// by category, by payer and by payer and category.
func (s *Service) AnalyzeDenialPatterns(ctx context.Context, timeframeDays int) (*Patterns, error) {
	if timeframeDays < 1 || timeframeDays > 3650 {
		return nil, apperr.Validation("days", "must be between 1 and 3650")
	}
	to := s.now()
	from := to.AddDate(0, 0, -timeframeDays)
	ds, err := s.repo.ListSince(ctx, from)
	if err != nil {
		return nil, err
	}
	p := &Patterns{From: from, To: to, ByCategory: map[Category]int{}, ByPayer: map[string]int{}}
	type key struct {
		payer string
		cat   Category
	}
	pair := map[key]int{}
	for _, d := range ds {
		if d.DeniedAt.After(to) {
			continue
		}
		p.Total++
		p.ByCategory[d.Category]++
		p.ByPayer[d.PayerID]++
		pair[key{d.PayerID, d.Category}]++
	}
	for k, n := range pair {
		p.ByPayerCategory = append(p.ByPayerCategory, PayerCategoryCount{PayerID: k.payer, Category: k.cat, Count: n})
	}
	sortPayerCategory(p.ByPayerCategory)
	return p, nil
}

func sortPayerCategory(rows []PayerCategoryCount) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].PayerID != rows[j].PayerID {
			return rows[i].PayerID < rows[j].PayerID
		}
		return rows[i].Category < rows[j].Category
	})
}
