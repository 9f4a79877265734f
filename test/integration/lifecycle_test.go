//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/rcm/internal/domain/account"
	"github.com/ehr/rcm/internal/domain/aging"
	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/domain/clearinghouse"
	"github.com/ehr/rcm/internal/domain/collection"
	"github.com/ehr/rcm/internal/domain/denial"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/internal/platform/telemetry"
)

// stack wires every service onto the Postgres repositories the way the
// server does, with the in-memory clearinghouse standing in for the network.
type stack struct {
	accounts    *account.Service
	engine      *claim.Engine
	denials     *denial.Service
	aging       *aging.Service
	collections *collection.Service
	transport   *clearinghouse.MemoryTransport
	claimRepo   claim.Repository
}

func newStack(t *testing.T) *stack {
	t.Helper()
	resetTables(t)

	logger := zerolog.Nop()
	metrics := telemetry.New()
	tx := db.NewTxManager(globalPool)
	claimRepo := claim.NewRepoPG(globalPool)
	denialRepo := denial.NewRepoPG(globalPool)

	accounts := account.NewService(account.NewRepoPG(globalPool), account.DefaultConfig(), logger)
	transport := clearinghouse.NewMemoryTransport()
	connector := clearinghouse.NewConnector(transport, clearinghouse.Config{
		Retry:       clearinghouse.RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 2},
		MinDwell:    time.Hour,
		Concurrency: 2,
		BatchSize:   10,
	}, blobstore.NewMemoryStore(), logger, metrics)

	engine := claim.NewEngine(claimRepo, claim.NewRemittanceRepoPG(globalPool), tx, logger,
		claim.WithSubmitter(connector),
		claim.WithLedger(accounts),
		claim.WithAccounts(accounts),
		claim.WithEvents(events.NewMemoryBus(logger)),
		claim.WithMetrics(metrics),
	)
	connector.Attach(engine, claimRepo)

	denials := denial.NewService(denialRepo, engine, tx, denial.DefaultConfig(), logger)
	engine.SetDenialRecorder(denials)
	engine.SetAppealWriter(denials)
	engine.SetAppealResolver(denials)

	agingSvc := aging.NewService(accounts, claimRepo, denialRepo, aging.NewScoreRepoPG(globalPool), logger)

	senders := map[notification.Channel]notification.Sender{
		notification.ChannelEmail: notification.NewLogSender(logger),
		notification.ChannelSMS:   notification.NewLogSender(logger),
		notification.ChannelMail:  notification.NewLogSender(logger),
	}
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), senders)
	collections := collection.NewService(collection.NewRepoPG(globalPool), accounts,
		collection.NewNotificationExecutor(dispatcher, accounts), tx, collection.DefaultPolicy(), logger)
	agingSvc.SetActionSink(collections)

	return &stack{
		accounts:    accounts,
		engine:      engine,
		denials:     denials,
		aging:       agingSvc,
		collections: collections,
		transport:   transport,
		claimRepo:   claimRepo,
	}
}

func (s *stack) newAccount(t *testing.T, name string) *account.Account {
	t.Helper()
	a, err := s.accounts.Create(context.Background(), account.CreateCommand{Name: name, Email: "billing@example.com"})
	require.NoError(t, err)
	return a
}

func (s *stack) submittedClaim(t *testing.T, accountID uuid.UUID, price string) *claim.Claim {
	t.Helper()
	ctx := context.Background()
	dos := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	c, err := s.engine.Create(ctx, claim.CreateClaimCommand{
		AccountID:   accountID,
		PayerID:     "AETNA",
		ServiceDate: &dos,
		Lines: []claim.LineInput{{
			ProcedureCode:  "99213",
			DiagnosisCodes: []string{"J06.9"},
			UnitPrice:      decimal.RequireFromString(price),
			Quantity:       1,
		}},
	})
	require.NoError(t, err)
	c, err = s.engine.Submit(ctx, claim.SubmitCommand{ClaimID: c.ID})
	require.NoError(t, err)
	require.Equal(t, claim.StatusSubmitted, c.Status)
	require.NotEmpty(t, c.ClearinghouseID)
	return c
}

func eraRecord(ref, allowed, paid string, adj ...claim.Adjustment) claim.RemittanceRecord {
	return claim.RemittanceRecord{
		ClaimRef:      ref,
		BilledAmount:  decimal.RequireFromString("500"),
		AllowedAmount: decimal.RequireFromString(allowed),
		PaidAmount:    decimal.RequireFromString(paid),
		Adjustments:   adj,
	}
}

func TestClaimLifecycle_PartialPaymentPostsToAccount(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Jane Roe")
	c := s.submittedClaim(t, acct.ID, "500")

	res, err := s.engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-PG-1",
		PayerID: "AETNA",
		Records: []claim.RemittanceRecord{eraRecord(c.ClearinghouseID, "400", "250",
			claim.Adjustment{Group: "PR", Reason: "1", Amount: decimal.NewFromInt(150)})},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, claim.RemittanceApplied, res.Status)

	got, err := s.engine.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPartiallyPaid, got.Status)
	assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(250)))
	assert.Len(t, got.Lines, 1)

	a, err := s.accounts.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, a.OutstandingBalance.Equal(decimal.NewFromInt(150)), "balance %s", a.OutstandingBalance)
	assert.NotNil(t, a.OldestUnpaidAt)

	stored, err := s.engine.GetRemittance(ctx, "ERA-PG-1")
	require.NoError(t, err)
	assert.Equal(t, claim.RemittanceApplied, stored.Status)
	require.Len(t, stored.Records, 1)
	assert.True(t, stored.Records[0].Applied)
}

func TestClaimLifecycle_RemittanceReplayIsIdempotent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "John Doe")
	c := s.submittedClaim(t, acct.ID, "500")

	cmd := claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-PG-2",
		Records: []claim.RemittanceRecord{eraRecord(c.ID.String(), "400", "300")},
	}}
	_, err := s.engine.ApplyRemittance(ctx, cmd)
	require.NoError(t, err)
	first, err := s.engine.Get(ctx, c.ID)
	require.NoError(t, err)

	res, err := s.engine.ApplyRemittance(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	second, err := s.engine.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	a, err := s.accounts.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, a.OutstandingBalance.Equal(decimal.NewFromInt(100)), "balance %s", a.OutstandingBalance)
}

func TestClaimRepo_StaleVersionIsRejected(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Version Check")
	c := s.submittedClaim(t, acct.ID, "120")

	stale := c.Version - 1
	err := s.claimRepo.Update(ctx, c, stale)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err), "got %v", err)

	_, err = s.engine.Submit(ctx, claim.SubmitCommand{ClaimID: c.ID, ExpectedVersion: &stale})
	assert.Error(t, err)
}

func TestDenialFlow_RecordedAndAppealed(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Denied Patient")
	c := s.submittedClaim(t, acct.ID, "500")

	_, err := s.engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-PG-3",
		Records: []claim.RemittanceRecord{eraRecord(c.ID.String(), "0", "0",
			claim.Adjustment{Group: "CO", Reason: "27", Amount: decimal.NewFromInt(500)})},
	}})
	require.NoError(t, err)

	got, err := s.engine.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, claim.StatusDenied, got.Status)

	list, total, err := s.denials.ListDenials(ctx, denial.ListFilter{ClaimID: &c.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	d := list[0]
	assert.Equal(t, denial.CategoryEligibility, d.Category)
	assert.Equal(t, []string{"27"}, d.ReasonCodes)
	assert.Equal(t, acct.ID, d.AccountID)

	appealed, ref, err := s.engine.FileAppeal(ctx, claim.FileAppealCommand{ClaimID: c.ID, DenialID: &d.ID})
	require.NoError(t, err)
	assert.Equal(t, claim.StatusAppealed, appealed.Status)
	require.NotNil(t, ref)

	stored, appeals, err := s.denials.GetDenial(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, denial.StatusAppealed, stored.Status)
	assert.Len(t, appeals, 1)

	patterns, err := s.denials.AnalyzeDenialPatterns(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, patterns.Total)
}

func TestAgingAndCollections_ScoreThenStatement(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Owes Money")

	_, err := s.accounts.PostCharge(ctx, account.ChargeCommand{
		AccountID: acct.ID, Amount: decimal.NewFromInt(240), Reason: "self-pay visit",
	})
	require.NoError(t, err)

	rep, err := s.aging.GenerateRiskScores(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scored)

	score, err := s.aging.GetRiskScore(ctx, acct.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score.CollectionProbability, 0.0)
	assert.LessOrEqual(t, score.CollectionProbability, 1.0)
	assert.True(t, score.Balance.Equal(decimal.NewFromInt(240)))

	task, err := s.collections.GenerateStatement(ctx, collection.StatementCommand{AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, collection.TaskExecuted, task.Status)

	a, err := s.accounts.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.NotNil(t, a.LastStatementAt)

	tasks, total, err := s.collections.ListTasks(ctx, collection.TaskFilter{AccountID: &acct.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, task.ID, tasks[0].ID)
}

func TestCollections_PaymentPlanIsUniquePerAccount(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Plan Holder")
	_, err := s.accounts.PostCharge(ctx, account.ChargeCommand{
		AccountID: acct.ID, Amount: decimal.NewFromInt(600), Reason: "surgery balance",
	})
	require.NoError(t, err)

	cmd := collection.PaymentPlanCommand{AccountID: acct.ID, Installments: 3, IntervalDays: 30}
	plan, err := s.collections.SetupPaymentPlan(ctx, cmd)
	require.NoError(t, err)
	require.Len(t, plan.Schedule, 3)
	assert.True(t, plan.InstallmentAmount.Equal(decimal.NewFromInt(200)))

	_, err = s.collections.SetupPaymentPlan(ctx, cmd)
	assert.Error(t, err, "a second active plan must be refused")
}

func TestClaimCreate_UnknownAccountIsValidationError(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	missing := uuid.New()

	_, err := s.engine.Create(ctx, claim.CreateClaimCommand{
		AccountID: missing,
		PayerID:   "AETNA",
		Lines: []claim.LineInput{{
			ProcedureCode: "99213", DiagnosisCodes: []string{"J06.9"}, UnitPrice: decimal.NewFromInt(80), Quantity: 1,
		}},
	})
	require.Error(t, err)
	assert.Equal(t, 400, apperr.Status(err), "got %v", err)

	// The foreign key is the last line of defence when the engine is
	// bypassed; it must surface as a validation error, not a 500.
	err = s.claimRepo.Create(ctx, &claim.Claim{
		AccountID: missing, PayerID: "AETNA", Status: claim.StatusDraft, Version: 1,
	})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "account_id", ve.Field)

	_, total, err := s.engine.List(ctx, claim.ListFilter{AccountID: &missing})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDenialFlow_RemittanceAnswersPendingAppeal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Appeal Answered")
	c := s.submittedClaim(t, acct.ID, "500")

	_, err := s.engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-PG-APL-1",
		Records: []claim.RemittanceRecord{eraRecord(c.ID.String(), "0", "0",
			claim.Adjustment{Group: "CO", Reason: "27", Amount: decimal.NewFromInt(500)})},
	}})
	require.NoError(t, err)
	list, _, err := s.denials.ListDenials(ctx, denial.ListFilter{ClaimID: &c.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, ref, err := s.engine.FileAppeal(ctx, claim.FileAppealCommand{ClaimID: c.ID, DenialID: &list[0].ID})
	require.NoError(t, err)

	res, err := s.engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: claim.Remittance{
		BatchID: "ERA-PG-APL-2",
		Records: []claim.RemittanceRecord{eraRecord(c.ID.String(), "400", "400")},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	got, err := s.engine.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, got.Status)

	a, err := s.denials.GetAppeal(ctx, ref.AppealID)
	require.NoError(t, err)
	assert.Equal(t, denial.OutcomeOverturned, a.Outcome)

	d, _, err := s.denials.GetDenial(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, denial.StatusResolved, d.Status)
}

func TestCollections_ScheduledStepIsUniquePerAccount(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	acct := s.newAccount(t, "Racing Workflows")
	_, err := s.accounts.PostCharge(ctx, account.ChargeCommand{
		AccountID: acct.ID, Amount: decimal.NewFromInt(90), Reason: "copay",
	})
	require.NoError(t, err)

	_, err = s.collections.InitiateWorkflow(ctx, collection.InitiateWorkflowCommand{
		AccountID: acct.ID, Workflow: collection.WorkflowStandard,
	})
	require.NoError(t, err)

	// A second initiation that missed the first one's tasks still cannot
	// insert a duplicate scheduled step.
	_, err = globalPool.Exec(ctx, `
		INSERT INTO collection_tasks (id, account_id, workflow, step, action_type, scheduled_for, status)
		VALUES ($1, $2, 'standard', 1, 'statement', NOW(), 'scheduled')`, uuid.New(), acct.ID)
	require.Error(t, err)

	err = collection.NewRepoPG(globalPool).CreateTasks(ctx, []*collection.Task{{
		AccountID: acct.ID, Workflow: collection.WorkflowStandard, Step: 1,
		ActionType: collection.ActionStatement, ScheduledFor: time.Now(), Status: collection.TaskScheduled, Version: 1,
	}})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "workflow", ve.Field)
}
