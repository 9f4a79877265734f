package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

type accountRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &accountRepoPG{pool: pool} }

func (r *accountRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const acctCols = `id, kind, name, COALESCE(email, ''), COALESCE(phone, ''), outstanding_balance,
	oldest_unpaid_at, last_statement_at, last_payment_at, payments_on_time, payments_late,
	version, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.Email, &a.Phone, &a.OutstandingBalance,
		&a.OldestUnpaidAt, &a.LastStatementAt, &a.LastPaymentAt, &a.PaymentsOnTime, &a.PaymentsLate,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accounts (id, kind, name, email, phone, outstanding_balance, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		a.ID, a.Kind, a.Name, nullString(a.Email), nullString(a.Phone), a.OutstandingBalance, a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *accountRepoPG) one(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account", id.String())
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.one(ctx, id, `SELECT `+acctCols+` FROM accounts WHERE id = $1`, id)
}

func (r *accountRepoPG) List(ctx context.Context, f ListFilter) ([]*Account, int, error) {
	where := ""
	if f.WithBalance {
		where = ` WHERE outstanding_balance > 0`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM accounts`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+acctCols+` FROM accounts`+where+`
		ORDER BY oldest_unpaid_at ASC NULLS LAST, id LIMIT $1 OFFSET $2`, limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *accountRepoPG) Adjust(ctx context.Context, id uuid.UUID, delta decimal.Decimal, at time.Time) (*Account, error) {
	return r.one(ctx, id, `
		UPDATE accounts SET
			outstanding_balance = GREATEST(outstanding_balance + $2, 0),
			oldest_unpaid_at = CASE
				WHEN outstanding_balance + $2 <= 0 THEN NULL
				WHEN oldest_unpaid_at IS NULL THEN $3
				ELSE oldest_unpaid_at END,
			version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING `+acctCols, id, delta, at)
}

func (r *accountRepoPG) RecordPayment(ctx context.Context, id uuid.UUID, amount decimal.Decimal, at time.Time, onTime bool) (*Account, error) {
	a, err := r.one(ctx, id, `
		UPDATE accounts SET
			outstanding_balance = outstanding_balance - $2,
			oldest_unpaid_at = CASE WHEN outstanding_balance - $2 <= 0 THEN NULL ELSE oldest_unpaid_at END,
			last_payment_at = $3,
			payments_on_time = payments_on_time + CASE WHEN $4 THEN 1 ELSE 0 END,
			payments_late = payments_late + CASE WHEN $4 THEN 0 ELSE 1 END,
			version = version + 1, updated_at = $3
		WHERE id = $1 AND outstanding_balance >= $2
		RETURNING `+acctCols, id, amount, at, onTime)
	if !apperr.IsNotFound(err) {
		return a, err
	}
	// No row matched: either the account is missing or the payment is too large.
	cur, gerr := r.GetByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, errOverpayment(amount, cur.OutstandingBalance)
}

func (r *accountRepoPG) MarkStatement(ctx context.Context, id uuid.UUID, at time.Time) (*Account, error) {
	return r.one(ctx, id, `
		UPDATE accounts SET last_statement_at = $2, version = version + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+acctCols, id, at)
}
