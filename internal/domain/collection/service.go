package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/rcm/internal/domain/account"
	"github.com/ehr/rcm/internal/domain/aging"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/telemetry"
	"github.com/ehr/rcm/internal/platform/validate"
)

// AccountBook is the slice of the account service the orchestrator needs.
type AccountBook interface {
	Get(ctx context.Context, id uuid.UUID) (*account.Account, error)
	PostPayment(ctx context.Context, cmd account.PaymentCommand) (*account.Account, error)
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ aging.ActionSink = (*Service)(nil)

type Service struct {
	repo     Repository
	accounts AccountBook
	exec     Executor
	tx       TxRunner
	policy   Policy
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	clock    func() time.Time
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.clock = now } }

func NewService(repo Repository, accounts AccountBook, exec Executor, tx TxRunner, policy Policy, logger zerolog.Logger, opts ...Option) *Service {
	if policy.Workers < 1 {
		policy.Workers = 1
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	s := &Service{
		repo:     repo,
		accounts: accounts,
		exec:     exec,
		tx:       tx,
		policy:   policy,
		logger:   logger.With().Str("component", "collection").Logger(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// owing loads the account and rejects it when nothing is owed.
func (s *Service) owing(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.OutstandingBalance.IsPositive() {
		return nil, apperr.Validation("account_id", "account %s has no outstanding balance", id)
	}
	return a, nil
}

func (s *Service) newTask(accountID uuid.UUID, workflow string, step int, action string, at time.Time, note string) *Task {
	now := s.now()
	return &Task{
		ID:           uuid.New(),
		AccountID:    accountID,
		Workflow:     workflow,
		Step:         step,
		ActionType:   action,
		ScheduledFor: at,
		Status:       TaskScheduled,
		Note:         note,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// InitiateWorkflow seeds the workflow's tasks, each due its step offset
// after the start date. A workflow already running for the account is
// rejected rather than seeded twice.
func (s *Service) InitiateWorkflow(ctx context.Context, cmd InitiateWorkflowCommand) ([]*Task, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	steps, err := s.policy.steps(cmd.Workflow)
	if err != nil {
		return nil, apperr.Validation("workflow", "%s", err.Error())
	}
	if _, err := s.owing(ctx, cmd.AccountID); err != nil {
		return nil, err
	}
	start := s.now()
	if cmd.StartAt != nil {
		start = cmd.StartAt.UTC()
	}

	var tasks []*Task
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		pending, err := s.repo.PendingTasks(ctx, cmd.AccountID)
		if err != nil {
			return err
		}
		// The scheduled-step index in the store closes the race between this
		// check and the insert.
		for _, t := range pending {
			if t.Workflow == cmd.Workflow {
				return errWorkflowInProgress(cmd.AccountID, cmd.Workflow)
			}
		}
		tasks = make([]*Task, 0, len(steps))
		for i, st := range steps {
			tasks = append(tasks, s.newTask(cmd.AccountID, cmd.Workflow, i+1, st.ActionType, start.AddDate(0, 0, st.Offset), ""))
		}
		return s.repo.CreateTasks(ctx, tasks)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", cmd.AccountID.String()).Str("workflow", cmd.Workflow).
		Int("tasks", len(tasks)).Msg("collection workflow initiated")
	return tasks, nil
}

// GenerateStatement sends a statement now. The task is recorded like any
// other, so a failed send is retried by the driver.
func (s *Service) GenerateStatement(ctx context.Context, cmd StatementCommand) (*Task, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	if _, err := s.owing(ctx, cmd.AccountID); err != nil {
		return nil, err
	}
	t := s.newTask(cmd.AccountID, WorkflowManual, 0, ActionStatement, s.now(), "on demand")
	if err := s.repo.CreateTasks(ctx, []*Task{t}); err != nil {
		return nil, err
	}
	if _, err := s.runTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ScheduleFollowUp(ctx context.Context, cmd FollowUpCommand) (*Task, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, cmd.AccountID); err != nil {
		return nil, err
	}
	t := s.newTask(cmd.AccountID, WorkflowManual, 0, cmd.ActionType, cmd.ScheduledFor.UTC(), cmd.Note)
	if err := s.repo.CreateTasks(ctx, []*Task{t}); err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", cmd.AccountID.String()).Str("action", cmd.ActionType).
		Time("scheduled_for", t.ScheduledFor).Msg("follow-up scheduled")
	return t, nil
}

// EnqueueAction accepts work from the aging batch. An action already
// pending for the account, or one an active payment plan holds back, is
// not queued again.
func (s *Service) EnqueueAction(ctx context.Context, act aging.Action) (bool, error) {
	created := false
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		pending, err := s.repo.PendingTasks(ctx, act.AccountID)
		if err != nil {
			return err
		}
		for _, t := range pending {
			if t.ActionType == act.ActionType {
				return nil
			}
		}
		if pausedByPlan[act.ActionType] || act.ActionType == ActionPaymentPlanOffer {
			_, err := s.repo.ActivePlan(ctx, act.AccountID)
			if err == nil {
				return nil
			}
			if !apperr.IsNotFound(err) {
				return err
			}
		}
		note := fmt.Sprintf("probability %.2f, %s days bucket", act.Probability, act.Bucket)
		t := s.newTask(act.AccountID, WorkflowAutomated, 0, act.ActionType, s.now(), note)
		if err := s.repo.CreateTasks(ctx, []*Task{t}); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// SetupPaymentPlan splits the balance into installments and pauses the
// account's pending reminders and escalations while the plan is on
// schedule.
func (s *Service) SetupPaymentPlan(ctx context.Context, cmd PaymentPlanCommand) (*PaymentPlan, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	a, err := s.owing(ctx, cmd.AccountID)
	if err != nil {
		return nil, err
	}
	total := cmd.TotalAmount
	switch {
	case total.IsZero():
		total = a.OutstandingBalance
	case total.IsNegative():
		return nil, apperr.Validation("total_amount", "must be positive")
	case total.GreaterThan(a.OutstandingBalance):
		return nil, apperr.Validation("total_amount", "%s exceeds outstanding balance %s",
			total.StringFixed(2), a.OutstandingBalance.StringFixed(2))
	}
	interval := cmd.IntervalDays
	if interval == 0 {
		interval = s.policy.IntervalDays
	}
	now := s.now()
	start := now
	if cmd.StartDate != nil {
		start = cmd.StartDate.UTC()
	}
	each, schedule := buildSchedule(total, cmd.Installments, interval, start)
	if !each.IsPositive() {
		return nil, apperr.Validation("installments", "too many installments for %s", total.StringFixed(2))
	}
	plan := &PaymentPlan{
		ID:                uuid.New(),
		AccountID:         a.ID,
		TotalAmount:       total,
		InstallmentAmount: each,
		Installments:      cmd.Installments,
		IntervalDays:      interval,
		GraceDays:         s.policy.GraceDays,
		StartDate:         start,
		Status:            PlanActive,
		Schedule:          schedule,
		CreatedAt:         now,
	}

	paused := 0
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		paused = 0
		if err := s.repo.CreatePlan(ctx, plan); err != nil {
			return err
		}
		pending, err := s.repo.PendingTasks(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, t := range pending {
			if !pausedByPlan[t.ActionType] && t.ActionType != ActionPaymentPlanOffer {
				continue
			}
			expected := t.Version
			t.Status, t.Note, t.UpdatedAt = TaskSkipped, fmt.Sprintf("payment plan %s", plan.ID), now
			if err := s.repo.UpdateTask(ctx, t, expected); err != nil {
				return err
			}
			paused++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", a.ID.String()).Str("plan_id", plan.ID.String()).
		Str("total", total.StringFixed(2)).Int("installments", plan.Installments).Int("tasks_paused", paused).
		Msg("payment plan set up")
	return plan, nil
}

// RecordInstallmentPayment posts a payment against an active plan. The
// amount must cover at least the next installment; it settles as many
// installments, in order, as it fully covers.
func (s *Service) RecordInstallmentPayment(ctx context.Context, cmd InstallmentPaymentCommand) (*PaymentPlan, error) {
	if err := validate.Struct(&cmd); err != nil {
		return nil, err
	}
	at := s.now()
	if cmd.ReceivedAt != nil {
		at = cmd.ReceivedAt.UTC()
	}
	var plan *PaymentPlan
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetPlan(ctx, cmd.PlanID)
		if err != nil {
			return err
		}
		if p.Status != PlanActive {
			return apperr.Validation("plan_id", "payment plan %s is %s", p.ID, p.Status)
		}
		next := p.NextDue()
		if next == nil {
			return apperr.Validation("plan_id", "payment plan %s has nothing due", p.ID)
		}
		if cmd.Amount.LessThan(next.Amount) {
			return apperr.Validation("amount", "payment %s is less than the installment due %s",
				cmd.Amount.StringFixed(2), next.Amount.StringFixed(2))
		}
		if _, err := s.accounts.PostPayment(ctx, account.PaymentCommand{
			AccountID: p.AccountID, Amount: cmd.Amount, ReceivedAt: &at,
		}); err != nil {
			return err
		}
		remaining := cmd.Amount
		for i := range p.Schedule {
			in := &p.Schedule[i]
			if in.PaidAt != nil {
				continue
			}
			if remaining.LessThan(in.Amount) {
				break
			}
			remaining = remaining.Sub(in.Amount)
			paid := at
			in.PaidAt = &paid
		}
		if p.NextDue() == nil {
			p.Status = PlanCompleted
		}
		if err := s.repo.UpdatePlan(ctx, p); err != nil {
			return err
		}
		plan = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("plan_id", plan.ID.String()).Str("amount", cmd.Amount.StringFixed(2)).
		Str("status", string(plan.Status)).Msg("installment payment recorded")
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*PaymentPlan, error) {
	return s.repo.GetPlan(ctx, id)
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error) {
	return s.repo.ListTasks(ctx, f)
}

// ProcessWorkflowActions is the periodic driver. It first defaults plans
// with a missed installment, then executes every due task. Accounts are
// worked in parallel but the tasks of one account run in order, one at a
// time. Each task is written back as soon as it finishes, so cancelling
// ctx loses no completed work.
func (s *Service) ProcessWorkflowActions(ctx context.Context) (*ProcessReport, error) {
	rep := &ProcessReport{}
	if err := s.detectDefaults(ctx, rep); err != nil {
		return rep, err
	}
	due, err := s.repo.DueTasks(ctx, s.now(), s.policy.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list due collection tasks: %w", err)
	}
	rep.Due = len(due)

	var order []uuid.UUID
	byAccount := map[uuid.UUID][]*Task{}
	for _, t := range due {
		if _, seen := byAccount[t.AccountID]; !seen {
			order = append(order, t.AccountID)
		}
		byAccount[t.AccountID] = append(byAccount[t.AccountID], t)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.policy.Workers)
	for _, id := range order {
		if gctx.Err() != nil {
			break
		}
		tasks := byAccount[id]
		g.Go(func() error {
			for _, t := range tasks {
				if gctx.Err() != nil {
					return nil
				}
				status, err := s.runTask(gctx, t)
				switch {
				case err != nil && isConflict(err):
					rep.count(&rep.Conflicts)
				case err != nil:
					rep.count(&rep.Failed)
					s.logger.Warn().Err(err).Str("task_id", t.ID.String()).Msg("collection task could not be recorded")
				case status == TaskExecuted:
					rep.count(&rep.Executed)
				case status == TaskSkipped:
					rep.count(&rep.Skipped)
				case status == TaskFailed:
					rep.count(&rep.Failed)
				default:
					rep.count(&rep.Retried)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().Int("due", rep.Due).Int("executed", rep.Executed).Int("retried", rep.Retried).
		Int("skipped", rep.Skipped).Int("failed", rep.Failed).Int("plans_defaulted", rep.Defaulted).
		Msg("collection actions processed")
	return rep, ctx.Err()
}

func isConflict(err error) bool {
	var cm *apperr.ConcurrentModificationError
	return errors.As(err, &cm)
}

// skipReason reports why a due task should not run at all.
func (s *Service) skipReason(ctx context.Context, t *Task, a *account.Account) (string, error) {
	if !a.OutstandingBalance.IsPositive() {
		return "balance settled", nil
	}
	if !pausedByPlan[t.ActionType] && t.ActionType != ActionPaymentPlanOffer {
		return "", nil
	}
	p, err := s.repo.ActivePlan(ctx, a.ID)
	if apperr.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("payment plan %s", p.ID), nil
}

// runTask executes one scheduled task and records the outcome on it. The
// returned status is the task's new status; a task rescheduled for retry
// stays scheduled.
func (s *Service) runTask(ctx context.Context, t *Task) (TaskStatus, error) {
	expected := t.Version
	now := s.now()
	log := s.logger.With().Str("task_id", t.ID.String()).Str("account_id", t.AccountID.String()).
		Str("action", t.ActionType).Logger()

	a, err := s.accounts.Get(ctx, t.AccountID)
	switch {
	case apperr.IsNotFound(err):
		t.Status, t.Note = TaskSkipped, "account not found"
	case err != nil:
		return t.Status, err
	default:
		reason, err := s.skipReason(ctx, t, a)
		if err != nil {
			return t.Status, err
		}
		if reason != "" {
			t.Status, t.Note = TaskSkipped, reason
			break
		}
		t.AttemptCount++
		execErr := s.exec.Execute(ctx, t, a)
		switch {
		case execErr == nil:
			t.Status, t.ExecutedAt, t.LastError = TaskExecuted, &now, ""
		case errors.Is(execErr, ErrUndeliverable):
			t.Status, t.LastError = TaskSkipped, execErr.Error()
		case t.AttemptCount >= s.policy.MaxAttempts:
			t.Status, t.LastError = TaskFailed, execErr.Error()
		default:
			t.LastError = execErr.Error()
			t.ScheduledFor = now.Add(s.policy.Backoff(t.AttemptCount))
		}
		if execErr != nil {
			log.Warn().Err(execErr).Int("attempt", t.AttemptCount).Str("status", string(t.Status)).
				Msg("collection action failed")
		}
	}
	t.UpdatedAt = now
	if err := s.repo.UpdateTask(ctx, t, expected); err != nil {
		return t.Status, err
	}
	s.metrics.CollectionTask(t.ActionType, string(t.Status))
	log.Debug().Str("status", string(t.Status)).Msg("collection task processed")
	return t.Status, nil
}

// detectDefaults marks every active plan with an installment past its
// grace period as defaulted and puts the account back into escalation.
func (s *Service) detectDefaults(ctx context.Context, rep *ProcessReport) error {
	plans, err := s.repo.ActivePlans(ctx)
	if err != nil {
		return fmt.Errorf("list active payment plans: %w", err)
	}
	now := s.now()
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		missed := p.Missed(now)
		if missed == nil {
			continue
		}
		note := fmt.Sprintf("installment %d due %s missed", missed.Seq, missed.DueDate.Format("2006-01-02"))
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			p.Status = PlanDefaulted
			if err := s.repo.UpdatePlan(ctx, p); err != nil {
				return err
			}
			t := s.newTask(p.AccountID, WorkflowPlanDefault, 0, ActionEscalation, now, note)
			return s.repo.CreateTasks(ctx, []*Task{t})
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("plan_id", p.ID.String()).Msg("payment plan default could not be recorded")
			continue
		}
		rep.count(&rep.Defaulted)
		s.logger.Info().Str("plan_id", p.ID.String()).Str("account_id", p.AccountID.String()).
			Int("installment", missed.Seq).Msg("payment plan defaulted")
	}
	return nil
}

// ProcessRun is the scheduled job body.
func (s *Service) ProcessRun(ctx context.Context) error {
	_, err := s.ProcessWorkflowActions(ctx)
	return err
}
