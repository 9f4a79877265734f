package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =========== Tasks ===========

const taskCols = `id, account_id, workflow, step, action_type, scheduled_for, status, attempt_count,
	COALESCE(last_error, ''), COALESCE(note, ''), executed_at, version, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.AccountID, &t.Workflow, &t.Step, &t.ActionType, &t.ScheduledFor, &t.Status,
		&t.AttemptCount, &t.LastError, &t.Note, &t.ExecutedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *repoPG) CreateTasks(ctx context.Context, tasks []*Task) error {
	q := r.conn(ctx)
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		err := q.QueryRow(ctx, `
			INSERT INTO collection_tasks (id, account_id, workflow, step, action_type, scheduled_for, status,
				attempt_count, note, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING created_at, updated_at`,
			t.ID, t.AccountID, t.Workflow, t.Step, t.ActionType, t.ScheduledFor, t.Status,
			t.AttemptCount, nullString(t.Note), t.Version,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return errWorkflowInProgress(t.AccountID, t.Workflow)
			}
			return fmt.Errorf("insert collection task for account %s: %w", t.AccountID, err)
		}
	}
	return nil
}

func (r *repoPG) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(r.conn(ctx).QueryRow(ctx, `SELECT `+taskCols+` FROM collection_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("collection task", id.String())
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *repoPG) UpdateTask(ctx context.Context, t *Task, expected int) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE collection_tasks SET scheduled_for=$3, status=$4, attempt_count=$5, last_error=$6, note=$7,
			executed_at=$8, version=$2+1, updated_at=$9
		WHERE id = $1 AND version = $2`,
		t.ID, expected, t.ScheduledFor, t.Status, t.AttemptCount, nullString(t.LastError), nullString(t.Note),
		t.ExecutedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update collection task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM collection_tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("collection task", t.ID.String())
		}
		return &apperr.ConcurrentModificationError{Entity: "collection task", ID: t.ID.String(), Version: expected}
	}
	t.Version = expected + 1
	return nil
}

func (r *repoPG) queryTasks(ctx context.Context, sql string, args ...interface{}) ([]*Task, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const taskOrder = ` ORDER BY scheduled_for, step, id`

func (r *repoPG) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error) {
	var where []string
	var args []interface{}
	if f.AccountID != nil {
		args = append(args, *f.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM collection_tasks`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	args = append(args, limit, f.Offset)
	items, err := r.queryTasks(ctx, `SELECT `+taskCols+` FROM collection_tasks`+cond+taskOrder+
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args...)
	return items, total, err
}

func (r *repoPG) DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM collection_tasks
		WHERE status = $1 AND scheduled_for <= $2`+taskOrder+` LIMIT $3`, TaskScheduled, now, lim)
}

func (r *repoPG) PendingTasks(ctx context.Context, accountID uuid.UUID) ([]*Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM collection_tasks
		WHERE account_id = $1 AND status = $2`+taskOrder, accountID, TaskScheduled)
}

// =========== Payment plans ===========

const planCols = `id, account_id, total_amount, installment_amount, installments, interval_days, grace_days,
	start_date, status, created_at`

func scanPlan(row pgx.Row) (*PaymentPlan, error) {
	var p PaymentPlan
	err := row.Scan(&p.ID, &p.AccountID, &p.TotalAmount, &p.InstallmentAmount, &p.Installments, &p.IntervalDays,
		&p.GraceDays, &p.StartDate, &p.Status, &p.CreatedAt)
	return &p, err
}

func (r *repoPG) CreatePlan(ctx context.Context, p *PaymentPlan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO payment_plans (id, account_id, total_amount, installment_amount, installments,
			interval_days, grace_days, start_date, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		p.ID, p.AccountID, p.TotalAmount, p.InstallmentAmount, p.Installments, p.IntervalDays, p.GraceDays,
		p.StartDate, p.Status,
	).Scan(&p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errActivePlan(p.AccountID)
		}
		return fmt.Errorf("insert payment plan: %w", err)
	}
	for _, in := range p.Schedule {
		_, err := q.Exec(ctx, `
			INSERT INTO installments (plan_id, seq, due_date, amount, paid_at) VALUES ($1,$2,$3,$4,$5)`,
			p.ID, in.Seq, in.DueDate, in.Amount, in.PaidAt)
		if err != nil {
			return fmt.Errorf("insert installment %d: %w", in.Seq, err)
		}
	}
	return nil
}

func (r *repoPG) loadSchedule(ctx context.Context, p *PaymentPlan) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT seq, due_date, amount, paid_at FROM installments WHERE plan_id = $1 ORDER BY seq`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.Schedule = nil
	for rows.Next() {
		var in Installment
		if err := rows.Scan(&in.Seq, &in.DueDate, &in.Amount, &in.PaidAt); err != nil {
			return err
		}
		p.Schedule = append(p.Schedule, in)
	}
	return rows.Err()
}

func (r *repoPG) onePlan(ctx context.Context, entity, id, sql string, args ...interface{}) (*PaymentPlan, error) {
	p, err := scanPlan(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(entity, id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadSchedule(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repoPG) GetPlan(ctx context.Context, id uuid.UUID) (*PaymentPlan, error) {
	return r.onePlan(ctx, "payment plan", id.String(),
		`SELECT `+planCols+` FROM payment_plans WHERE id = $1`, id)
}

func (r *repoPG) ActivePlan(ctx context.Context, accountID uuid.UUID) (*PaymentPlan, error) {
	return r.onePlan(ctx, "active payment plan for account", accountID.String(),
		`SELECT `+planCols+` FROM payment_plans WHERE account_id = $1 AND status = $2`, accountID, PlanActive)
}

func (r *repoPG) ActivePlans(ctx context.Context) ([]*PaymentPlan, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM payment_plans WHERE status = $1 ORDER BY id`, PlanActive)
	if err != nil {
		return nil, err
	}
	var out []*PaymentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := r.loadSchedule(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *repoPG) UpdatePlan(ctx context.Context, p *PaymentPlan) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `UPDATE payment_plans SET status = $2 WHERE id = $1`, p.ID, p.Status)
	if err != nil {
		return fmt.Errorf("update payment plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payment plan", p.ID.String())
	}
	for _, in := range p.Schedule {
		if _, err := q.Exec(ctx, `UPDATE installments SET paid_at = $3 WHERE plan_id = $1 AND seq = $2`,
			p.ID, in.Seq, in.PaidAt); err != nil {
			return fmt.Errorf("update installment %d: %w", in.Seq, err)
		}
	}
	return nil
}
