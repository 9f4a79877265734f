package denial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

// =========== Denials ===========

const denialCols = `id, claim_id, account_id, line_number, payer_id, reason_codes, category, status,
	denied_at, appeal_deadline, version, created_at, updated_at`

func scanDenial(row pgx.Row) (*Denial, error) {
	var d Denial
	err := row.Scan(&d.ID, &d.ClaimID, &d.AccountID, &d.LineNumber, &d.PayerID, &d.ReasonCodes, &d.Category,
		&d.Status, &d.DeniedAt, &d.AppealDeadline, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *repoPG) CreateDenials(ctx context.Context, ds []*Denial) error {
	q := r.conn(ctx)
	for _, d := range ds {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		err := q.QueryRow(ctx, `
			INSERT INTO denials (id, claim_id, account_id, line_number, payer_id, reason_codes, category, status,
				denied_at, appeal_deadline, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING created_at, updated_at`,
			d.ID, d.ClaimID, d.AccountID, d.LineNumber, d.PayerID, d.ReasonCodes, d.Category, d.Status,
			d.DeniedAt, d.AppealDeadline, d.Version,
		).Scan(&d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert denial for claim %s: %w", d.ClaimID, err)
		}
	}
	return nil
}

func (r *repoPG) GetDenial(ctx context.Context, id uuid.UUID) (*Denial, error) {
	d, err := scanDenial(r.conn(ctx).QueryRow(ctx, `SELECT `+denialCols+` FROM denials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("denial", id.String())
		}
		return nil, err
	}
	return d, nil
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Denial, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Denial
	for rows.Next() {
		d, err := scanDenial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) ListDenials(ctx context.Context, f ListFilter) ([]*Denial, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Status) > 0 {
		ss := make([]string, len(f.Status))
		for i, s := range f.Status {
			ss[i] = string(s)
		}
		add("status = ANY($%d)", ss)
	}
	if len(f.Category) > 0 {
		cs := make([]string, len(f.Category))
		for i, c := range f.Category {
			cs[i] = string(c)
		}
		add("category = ANY($%d)", cs)
	}
	if f.ClaimID != nil {
		add("claim_id = $%d", *f.ClaimID)
	}
	if f.PayerID != "" {
		add("payer_id = $%d", f.PayerID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM denials`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	out, err := r.query(ctx, fmt.Sprintf(`SELECT %s FROM denials%s ORDER BY denied_at DESC, id LIMIT $%d OFFSET $%d`,
		denialCols, clause, len(args)-1, len(args)), args...)
	return out, total, err
}

func (r *repoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Denial, error) {
	return r.query(ctx, `SELECT `+denialCols+` FROM denials WHERE claim_id = $1 ORDER BY denied_at DESC, id`, claimID)
}

func (r *repoPG) ListSince(ctx context.Context, since time.Time) ([]*Denial, error) {
	return r.query(ctx, `SELECT `+denialCols+` FROM denials WHERE denied_at >= $1 ORDER BY denied_at DESC, id`, since)
}

func (r *repoPG) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM denials WHERE account_id = $1`, accountID).Scan(&n)
	return n, err
}

func (r *repoPG) UpdateDenial(ctx context.Context, d *Denial, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE denials SET category = $3, status = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $2`,
		d.ID, expectedVersion, d.Category, d.Status, d.Version, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update denial %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDenial(ctx, d.ID); err != nil {
			return err
		}
		return &apperr.ConcurrentModificationError{Entity: "denial", ID: d.ID.String(), Version: expectedVersion}
	}
	return nil
}

// =========== Appeals ===========

const appealCols = `id, denial_id, claim_id, appeal_type, category, subject, body, recipient,
	COALESCE(letter_key, ''), submitted_at, deadline, outcome, resolved_at`

func scanAppeal(row pgx.Row) (*Appeal, error) {
	var a Appeal
	err := row.Scan(&a.ID, &a.DenialID, &a.ClaimID, &a.AppealType, &a.Category, &a.Letter.Subject, &a.Letter.Body,
		&a.Letter.Recipient, &a.LetterKey, &a.SubmittedAt, &a.Deadline, &a.Outcome, &a.ResolvedAt)
	return &a, err
}

func (r *repoPG) CreateAppeal(ctx context.Context, a *Appeal) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var key *string
	if a.LetterKey != "" {
		key = &a.LetterKey
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appeals (id, denial_id, claim_id, appeal_type, category, subject, body, recipient, letter_key,
			submitted_at, deadline, outcome)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.DenialID, a.ClaimID, a.AppealType, a.Category, a.Letter.Subject, a.Letter.Body, a.Letter.Recipient,
		key, a.SubmittedAt, a.Deadline, a.Outcome)
	if err != nil {
		return fmt.Errorf("insert appeal: %w", err)
	}
	return nil
}

func (r *repoPG) GetAppeal(ctx context.Context, id uuid.UUID) (*Appeal, error) {
	a, err := scanAppeal(r.conn(ctx).QueryRow(ctx, `SELECT `+appealCols+` FROM appeals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("appeal", id.String())
		}
		return nil, err
	}
	return a, nil
}

func (r *repoPG) ListAppeals(ctx context.Context, denialID uuid.UUID) ([]*Appeal, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+appealCols+` FROM appeals WHERE denial_id = $1 ORDER BY submitted_at`, denialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) ResolveAppeal(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appeals SET outcome = $2, resolved_at = $3 WHERE id = $1 AND outcome = 'pending'`, id, outcome, at)
	if err != nil {
		return fmt.Errorf("resolve appeal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAppeal(ctx, id); err != nil {
			return err
		}
		return &apperr.ConcurrentModificationError{Entity: "appeal", ID: id.String()}
	}
	return nil
}
