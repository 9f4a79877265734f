package account

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	return NewService(NewMemoryRepo(), DefaultConfig(), zerolog.Nop(),
		WithClock(func() time.Time { return *now }))
}

func TestCreate(t *testing.T) {
	now := testNow
	svc := newService(t, &now)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateCommand{Name: "Jordan Lee", Email: "jordan@example.com"})
	require.NoError(t, err)
	assert.Equal(t, KindPatient, a.Kind)
	assert.True(t, a.OutstandingBalance.IsZero())
	assert.Equal(t, 1, a.Version)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jordan Lee", got.Name)

	_, err = svc.Create(ctx, CreateCommand{Name: "x", Email: "not-an-email"})
	assert.Error(t, err)
	_, err = svc.Create(ctx, CreateCommand{Kind: "company", Name: "x"})
	assert.Error(t, err)

	_, err = svc.Get(ctx, uuid.New())
	assert.True(t, apperr.IsNotFound(err))
}

func TestPostClaimBalance(t *testing.T) {
	now := testNow
	svc := newService(t, &now)
	ctx := context.Background()
	a, err := svc.Create(ctx, CreateCommand{Name: "Jordan Lee"})
	require.NoError(t, err)

	require.NoError(t, svc.PostClaimBalance(ctx, a.ID, uuid.New(), dec("150"), testNow))
	require.NoError(t, svc.PostClaimBalance(ctx, a.ID, uuid.New(), dec("50"), testNow.AddDate(0, 0, 10)))
	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.OutstandingBalance.Equal(dec("200")))
	require.NotNil(t, got.OldestUnpaidAt)
	assert.Equal(t, testNow, *got.OldestUnpaidAt, "oldest stamp keeps the first charge")
	assert.Equal(t, 20, got.DaysOutstanding(testNow.AddDate(0, 0, 20)))

	// A later adjudication that pays more than the balance floors at zero.
	require.NoError(t, svc.PostClaimBalance(ctx, a.ID, uuid.New(), dec("-250"), testNow))
	got, err = svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.OutstandingBalance.IsZero())
	assert.Nil(t, got.OldestUnpaidAt)
	assert.Equal(t, 0, got.DaysOutstanding(testNow.AddDate(0, 0, 20)))

	assert.True(t, apperr.IsNotFound(svc.PostClaimBalance(ctx, uuid.New(), uuid.New(), dec("1"), testNow)))
}

func TestPostPayment(t *testing.T) {
	now := testNow
	svc := newService(t, &now)
	ctx := context.Background()
	a, err := svc.Create(ctx, CreateCommand{Name: "Jordan Lee"})
	require.NoError(t, err)
	_, err = svc.PostCharge(ctx, ChargeCommand{AccountID: a.ID, Amount: dec("300"), Reason: "self-pay visit"})
	require.NoError(t, err)

	// No statement yet: on time.
	got, err := svc.PostPayment(ctx, PaymentCommand{AccountID: a.ID, Amount: dec("100")})
	require.NoError(t, err)
	assert.True(t, got.OutstandingBalance.Equal(dec("200")))
	assert.Equal(t, 1, got.PaymentsOnTime)

	_, err = svc.MarkStatement(ctx, a.ID, testNow)
	require.NoError(t, err)
	late := testNow.AddDate(0, 0, 45)
	got, err = svc.PostPayment(ctx, PaymentCommand{AccountID: a.ID, Amount: dec("50"), ReceivedAt: &late})
	require.NoError(t, err)
	assert.Equal(t, 1, got.PaymentsLate)
	assert.Equal(t, 0.5, got.OnTimeRatio())
	assert.Equal(t, late, *got.LastPaymentAt)

	_, err = svc.PostPayment(ctx, PaymentCommand{AccountID: a.ID, Amount: dec("500")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds outstanding balance 150.00")

	got, err = svc.PostPayment(ctx, PaymentCommand{AccountID: a.ID, Amount: dec("150")})
	require.NoError(t, err)
	assert.True(t, got.OutstandingBalance.IsZero())
	assert.Nil(t, got.OldestUnpaidAt)

	_, err = svc.PostPayment(ctx, PaymentCommand{AccountID: a.ID, Amount: decimal.Zero})
	assert.Error(t, err)
}

func TestOnTimeRatio_NoPayments(t *testing.T) {
	assert.Equal(t, -1.0, (&Account{}).OnTimeRatio())
}

func TestList_WithBalance(t *testing.T) {
	now := testNow
	svc := newService(t, &now)
	ctx := context.Background()
	older, _ := svc.Create(ctx, CreateCommand{Name: "Older"})
	newer, _ := svc.Create(ctx, CreateCommand{Name: "Newer"})
	_, _ = svc.Create(ctx, CreateCommand{Name: "Settled"})
	require.NoError(t, svc.PostClaimBalance(ctx, newer.ID, uuid.New(), dec("10"), testNow))
	require.NoError(t, svc.PostClaimBalance(ctx, older.ID, uuid.New(), dec("10"), testNow.AddDate(0, 0, -30)))

	items, total, err := svc.List(ctx, ListFilter{WithBalance: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, older.ID, items[0].ID)

	_, total, err = svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

// The account service is the claim engine's ledger: a partially paid claim
// leaves the unpaid allowed amount on the account.
func TestLedgerFromClaimEngine(t *testing.T) {
	now := testNow
	svc := newService(t, &now)
	ctx := context.Background()
	a, err := svc.Create(ctx, CreateCommand{Name: "Jordan Lee"})
	require.NoError(t, err)

	engine := claim.NewEngine(claim.NewMemoryRepo(), claim.NewMemoryRemittanceRepo(), db.NoTx{}, zerolog.Nop(),
		claim.WithLedger(svc), claim.WithClock(func() time.Time { return now }))
	c, err := engine.Create(ctx, claim.CreateClaimCommand{
		AccountID: a.ID,
		PayerID:   "aetna",
		Lines: []claim.LineInput{
			{ProcedureCode: "99214", DiagnosisCodes: []string{"I10"}, UnitPrice: dec("500"), Quantity: 1},
		},
	})
	require.NoError(t, err)
	_, err = engine.Submit(ctx, claim.SubmitCommand{ClaimID: c.ID})
	require.NoError(t, err)

	res, err := engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-LEDGER-1",
		PayerID: "aetna",
		Records: []claim.RemittanceRecord{{
			ClaimRef: c.ID.String(), BilledAmount: dec("500"), AllowedAmount: dec("400"), PaidAmount: dec("250"),
		}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.OutstandingBalance.Equal(dec("150")), "balance %s", got.OutstandingBalance)
	require.NotNil(t, got.OldestUnpaidAt)
}
