package aging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/domain/account"
	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/telemetry"
	"github.com/ehr/rcm/internal/platform/validate"
)

type AccountSource interface {
	Get(ctx context.Context, id uuid.UUID) (*account.Account, error)
	List(ctx context.Context, f account.ListFilter) ([]*account.Account, int, error)
}

type ClaimSource interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*claim.Claim, error)
}

type DenialCounter interface {
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
}

// ActionSink receives the work items TriggerAutomatedActions decides on.
// created is false when equivalent work is already queued.
type ActionSink interface {
	EnqueueAction(ctx context.Context, a Action) (created bool, err error)
}

// pageSize bounds how many accounts one batch step holds in memory.
const pageSize = 500

type Service struct {
	accounts AccountSource
	claims   ClaimSource
	denials  DenialCounter
	scores   ScoreRepository
	sink     ActionSink
	model    Model
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	clock    func() time.Time
}

type Option func(*Service)

func WithModel(m Model) Option                { return func(s *Service) { s.model = m } }
func WithActionSink(a ActionSink) Option      { return func(s *Service) { s.sink = a } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.clock = now } }

func NewService(accounts AccountSource, claims ClaimSource, denials DenialCounter, scores ScoreRepository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		claims:   claims,
		denials:  denials,
		scores:   scores,
		model:    RuleModel{Weights: DefaultRuleWeights()},
		logger:   logger.With().Str("component", "aging").Logger(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetActionSink wires the collection orchestrator after construction.
func (s *Service) SetActionSink(a ActionSink) { s.sink = a }

func (s *Service) now() time.Time { return s.clock().UTC() }

// eachAccountWithBalance pages through every account that owes money,
// stopping early on cancellation or when fn fails.
func (s *Service) eachAccountWithBalance(ctx context.Context, fn func(a *account.Account) error) error {
	for offset := 0; ; offset += pageSize {
		page, _, err := s.accounts.List(ctx, account.ListFilter{WithBalance: true, Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(a); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// AnalyzeARAccounts buckets every account with an outstanding balance by
// the age of its oldest unpaid charge.
func (s *Service) AnalyzeARAccounts(ctx context.Context, f Filters) (*Report, error) {
	if err := validate.Struct(&f); err != nil {
		return nil, err
	}
	want := map[Bucket]bool{}
	for _, b := range f.Buckets {
		if !b.Valid() {
			return nil, apperr.Validation("buckets", "unknown aging bucket %q", b)
		}
		want[b] = true
	}
	now := s.now()
	rep := &Report{AsOf: now, Accounts: []AccountAging{}, TotalBalance: decimal.Zero}
	sums := make(map[Bucket]*BucketSummary, len(Buckets))
	for _, b := range Buckets {
		sums[b] = &BucketSummary{Bucket: b, Balance: decimal.Zero}
	}
	err := s.eachAccountWithBalance(ctx, func(a *account.Account) error {
		days := a.DaysOutstanding(now)
		b := BucketFor(days)
		if len(want) > 0 && !want[b] {
			return nil
		}
		if days < f.MinDays || a.OutstandingBalance.LessThan(f.MinBalance) {
			return nil
		}
		rep.Accounts = append(rep.Accounts, AccountAging{
			AccountID: a.ID, Name: a.Name, Balance: a.OutstandingBalance, DaysOutstanding: days, Bucket: b,
		})
		sums[b].Accounts++
		sums[b].Balance = sums[b].Balance.Add(a.OutstandingBalance)
		rep.TotalBalance = rep.TotalBalance.Add(a.OutstandingBalance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, b := range Buckets {
		rep.Buckets = append(rep.Buckets, *sums[b])
		bal, _ := sums[b].Balance.Float64()
		s.metrics.AgingBalance(string(b), bal)
	}
	return rep, nil
}

// signals gathers the scoring snapshot for one account.
func (s *Service) signals(ctx context.Context, a *account.Account, now time.Time) (Signals, error) {
	days := a.DaysOutstanding(now)
	sig := Signals{
		DaysOutstanding: days,
		Bucket:          BucketFor(days),
		Balance:         a.OutstandingBalance,
		OnTimeRatio:     a.OnTimeRatio(),
		PaymentCount:    a.PaymentsOnTime + a.PaymentsLate,
	}
	claims, err := s.claims.ListByAccount(ctx, a.ID)
	if err != nil {
		return Signals{}, fmt.Errorf("claims for account %s: %w", a.ID, err)
	}
	selfPay := 0
	for _, c := range claims {
		if c.Status == claim.StatusVoid {
			continue
		}
		sig.ClaimCount++
		if c.SelfPay {
			selfPay++
		}
	}
	if sig.ClaimCount > 0 {
		sig.SelfPayShare = float64(selfPay) / float64(sig.ClaimCount)
	}
	if sig.DenialCount, err = s.denials.CountByAccount(ctx, a.ID); err != nil {
		return Signals{}, fmt.Errorf("denials for account %s: %w", a.ID, err)
	}
	return sig, nil
}

// PredictCollectionProbability scores one account with the configured
// model. Nothing is stored.
func (s *Service) PredictCollectionProbability(ctx context.Context, accountID uuid.UUID) (*Prediction, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sig, err := s.signals(ctx, a, s.now())
	if err != nil {
		return nil, err
	}
	return &Prediction{AccountID: a.ID, Probability: s.model.Score(sig), Model: s.model.Name(), Signals: sig}, nil
}

func (s *Service) scoreAccount(ctx context.Context, a *account.Account, now time.Time) (*RiskScore, error) {
	sig, err := s.signals(ctx, a, now)
	if err != nil {
		return nil, err
	}
	rs := &RiskScore{
		AccountID:             a.ID,
		CollectionProbability: s.model.Score(sig),
		AgingBucket:           sig.Bucket,
		DaysOutstanding:       sig.DaysOutstanding,
		Balance:               a.OutstandingBalance,
		Model:                 s.model.Name(),
		ComputedAt:            now,
	}
	if err := s.scores.Upsert(ctx, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// GenerateRiskScores recomputes and replaces the stored score of each
// account. With no ids every account that owes money is scored. Each score
// is written as soon as it is computed, so a cancelled run keeps its
// progress; one account failing never stops the rest.
func (s *Service) GenerateRiskScores(ctx context.Context, accountIDs []uuid.UUID) (*ScoreReport, error) {
	now := s.now()
	rep := &ScoreReport{}
	one := func(a *account.Account) error {
		if _, err := s.scoreAccount(ctx, a, now); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Failed++
			s.logger.Warn().Err(err).Str("account_id", a.ID.String()).Msg("risk score failed")
			return nil
		}
		rep.Scored++
		return nil
	}

	var err error
	if len(accountIDs) == 0 {
		err = s.eachAccountWithBalance(ctx, one)
	} else {
		for _, id := range accountIDs {
			if err = ctx.Err(); err != nil {
				break
			}
			a, gerr := s.accounts.Get(ctx, id)
			if apperr.IsNotFound(gerr) {
				rep.Skipped++
				s.logger.Warn().Str("account_id", id.String()).Msg("risk score requested for unknown account")
				continue
			}
			if gerr != nil {
				rep.Failed++
				s.logger.Warn().Err(gerr).Str("account_id", id.String()).Msg("risk score failed")
				continue
			}
			if err = one(a); err != nil {
				break
			}
		}
	}
	s.logger.Info().Int("scored", rep.Scored).Int("failed", rep.Failed).Int("skipped", rep.Skipped).
		Str("model", s.model.Name()).Msg("risk scores generated")
	return rep, err
}

func (s *Service) GetRiskScore(ctx context.Context, accountID uuid.UUID) (*RiskScore, error) {
	return s.scores.Get(ctx, accountID)
}

func (s *Service) ListRiskScores(ctx context.Context, limit, offset int) ([]*RiskScore, int, error) {
	return s.scores.List(ctx, limit, offset)
}

// probability prefers the stored snapshot and scores on the fly only for
// accounts the batch has not reached yet.
func (s *Service) probability(ctx context.Context, a *account.Account, now time.Time) (float64, error) {
	rs, err := s.scores.Get(ctx, a.ID)
	if err == nil {
		return rs.CollectionProbability, nil
	}
	if !apperr.IsNotFound(err) {
		return 0, err
	}
	sig, err := s.signals(ctx, a, now)
	if err != nil {
		return 0, err
	}
	return s.model.Score(sig), nil
}

// TriggerAutomatedActions hands every account matching th to the action
// sink. It creates work items only; executing them is the collection
// orchestrator's job.
func (s *Service) TriggerAutomatedActions(ctx context.Context, th Thresholds) (*ActionReport, error) {
	if err := validate.Struct(&th); err != nil {
		return nil, err
	}
	if s.sink == nil {
		return nil, errors.New("aging: no action sink configured")
	}
	now := s.now()
	rep := &ActionReport{}
	err := s.eachAccountWithBalance(ctx, func(a *account.Account) error {
		days := a.DaysOutstanding(now)
		if days < th.MinDays || a.OutstandingBalance.LessThan(th.MinBalance) {
			return nil
		}
		rep.Evaluated++
		p, err := s.probability(ctx, a, now)
		if err != nil {
			rep.Failed++
			s.logger.Warn().Err(err).Str("account_id", a.ID.String()).Msg("collection probability failed")
			return nil
		}
		if p >= th.MaxProbability {
			return nil
		}
		b := BucketFor(days)
		act := Action{
			AccountID: a.ID, ActionType: th.ActionType, Probability: p,
			DaysOutstanding: days, Bucket: b, Balance: a.OutstandingBalance,
		}
		if act.ActionType == "" {
			act.ActionType = actionFor(b)
		}
		created, err := s.sink.EnqueueAction(ctx, act)
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Warn().Err(err).Str("account_id", a.ID.String()).Msg("enqueue collection action failed")
		case created:
			rep.Enqueued++
		default:
			rep.AlreadyQueued++
		}
		return nil
	})
	s.logger.Info().Int("evaluated", rep.Evaluated).Int("enqueued", rep.Enqueued).
		Int("already_queued", rep.AlreadyQueued).Int("failed", rep.Failed).Msg("automated actions triggered")
	return rep, err
}

// RunBatch is the scheduled job: rescore every account, then act on the
// fresh scores.
func (s *Service) RunBatch(ctx context.Context, th Thresholds) error {
	if _, err := s.GenerateRiskScores(ctx, nil); err != nil {
		return err
	}
	_, err := s.TriggerAutomatedActions(ctx, th)
	return err
}
