package account

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/validate"
)

var (
	_ claim.Ledger           = (*Service)(nil)
	_ claim.AccountDirectory = (*Service)(nil)
)

type Config struct {
	// StatementDueDays is how long after a statement a payment still counts
	// as on time.
	StatementDueDays int
}

func DefaultConfig() Config { return Config{StatementDueDays: 30} }

type Service struct {
	repo   Repository
	cfg    Config
	logger zerolog.Logger
	clock  func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

func NewService(repo Repository, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.StatementDueDays <= 0 {
		cfg.StatementDueDays = 30
	}
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With().Str("component", "account").Logger(),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Account, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	if cmd.Kind == "" {
		cmd.Kind = KindPatient
	}
	now := s.now()
	a := &Account{
		Kind:               cmd.Kind,
		Name:               cmd.Name,
		Email:              cmd.Email,
		Phone:              cmd.Phone,
		OutstandingBalance: decimal.Zero,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

// AccountExists reports whether id names a stored account.
func (s *Service) AccountExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.repo.GetByID(ctx, id)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Account, int, error) {
	return s.repo.List(ctx, f)
}

// PostClaimBalance moves the patient's share of an adjudicated claim onto
// the account. The claim engine calls it inside the adjudication
// transaction.
func (s *Service) PostClaimBalance(ctx context.Context, accountID, claimID uuid.UUID, delta decimal.Decimal, at time.Time) error {
	a, err := s.repo.Adjust(ctx, accountID, delta, at)
	if err != nil {
		return err
	}
	s.logger.Info().Str("account_id", accountID.String()).Str("claim_id", claimID.String()).
		Str("delta", delta.StringFixed(2)).Str("balance", a.OutstandingBalance.StringFixed(2)).
		Msg("claim balance posted")
	return nil
}

// PostCharge adds a charge that did not come through a claim, such as a
// self-pay visit.
func (s *Service) PostCharge(ctx context.Context, cmd ChargeCommand) (*Account, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	a, err := s.repo.Adjust(ctx, cmd.AccountID, cmd.Amount, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", a.ID.String()).Str("amount", cmd.Amount.StringFixed(2)).
		Str("reason", cmd.Reason).Msg("charge posted")
	return a, nil
}

// PostPayment applies a patient payment. A payment counts as on time when
// no statement has gone out yet or it arrives within StatementDueDays of
// the last one.
func (s *Service) PostPayment(ctx context.Context, cmd PaymentCommand) (*Account, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	at := s.now()
	if cmd.ReceivedAt != nil {
		at = cmd.ReceivedAt.UTC()
	}
	cur, err := s.repo.GetByID(ctx, cmd.AccountID)
	if err != nil {
		return nil, err
	}
	onTime := cur.LastStatementAt == nil || !at.After(cur.LastStatementAt.AddDate(0, 0, s.cfg.StatementDueDays))
	a, err := s.repo.RecordPayment(ctx, cmd.AccountID, cmd.Amount, at, onTime)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", a.ID.String()).Str("amount", cmd.Amount.StringFixed(2)).
		Bool("on_time", onTime).Str("balance", a.OutstandingBalance.StringFixed(2)).Msg("payment posted")
	return a, nil
}

func (s *Service) MarkStatement(ctx context.Context, id uuid.UUID, at time.Time) (*Account, error) {
	return s.repo.MarkStatement(ctx, id, at.UTC())
}
