package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const claimCols = `id, account_id, payer_id, COALESCE(payer_name, ''), self_pay, status, service_date,
	billed_amount, allowed_amount, paid_amount, patient_resp,
	COALESCE(clearinghouse_id, ''), COALESCE(external_status, ''), COALESCE(void_reason, ''),
	submitted_at, adjudicated_at, last_synced_at, version, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.AccountID, &c.PayerID, &c.PayerName, &c.SelfPay, &c.Status, &c.ServiceDate,
		&c.BilledAmount, &c.AllowedAmount, &c.PaidAmount, &c.PatientBalance,
		&c.ClearinghouseID, &c.ExternalStatus, &c.VoidReason,
		&c.SubmittedAt, &c.AdjudicatedAt, &c.LastSyncedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO claims (id, account_id, payer_id, payer_name, self_pay, status, service_date,
			billed_amount, allowed_amount, paid_amount, patient_resp, clearinghouse_id, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		c.ID, c.AccountID, c.PayerID, nullString(c.PayerName), c.SelfPay, c.Status, c.ServiceDate,
		c.BilledAmount, c.AllowedAmount, c.PaidAmount, c.PatientBalance, nullString(c.ClearinghouseID), c.Version,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("clearinghouse_id", "already assigned")
		}
		if isForeignKeyViolation(err) {
			return apperr.Validation("account_id", "account %s does not exist", c.AccountID)
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	for i := range c.Lines {
		l := &c.Lines[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		_, err := q.Exec(ctx, `
			INSERT INTO claim_line_items (id, claim_id, line_number, procedure_code, modifiers, diagnosis_codes,
				unit_price, quantity, outcome, reason_codes, allowed_amount, paid_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			l.ID, c.ID, l.LineNumber, l.ProcedureCode, nonNil(l.Modifiers), nonNil(l.DiagnosisCodes),
			l.UnitPrice, l.Quantity, l.Outcome, nonNil(l.ReasonCodes), l.AllowedAmount, l.PaidAmount)
		if err != nil {
			return fmt.Errorf("insert claim line %d: %w", l.LineNumber, err)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *claimRepoPG) loadLines(ctx context.Context, claims ...*Claim) error {
	if len(claims) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(claims))
	byID := make(map[uuid.UUID]*Claim, len(claims))
	for i, c := range claims {
		ids[i] = c.ID
		byID[c.ID] = c
		c.Lines = []LineItem{}
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT claim_id, id, line_number, procedure_code, modifiers, diagnosis_codes, unit_price, quantity,
			outcome, reason_codes, allowed_amount, paid_amount
		FROM claim_line_items WHERE claim_id = ANY($1) ORDER BY claim_id, line_number`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var claimID uuid.UUID
		var l LineItem
		if err := rows.Scan(&claimID, &l.ID, &l.LineNumber, &l.ProcedureCode, &l.Modifiers, &l.DiagnosisCodes,
			&l.UnitPrice, &l.Quantity, &l.Outcome, &l.ReasonCodes, &l.AllowedAmount, &l.PaidAmount); err != nil {
			return err
		}
		if c, ok := byID[claimID]; ok {
			c.Lines = append(c.Lines, l)
		}
	}
	return rows.Err()
}

func (r *claimRepoPG) getOne(ctx context.Context, ref, where string, arg interface{}) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("claim", ref)
		}
		return nil, err
	}
	if err := r.loadLines(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.getOne(ctx, id.String(), `id = $1`, id)
}

func (r *claimRepoPG) GetByClearinghouseID(ctx context.Context, clearinghouseID string) (*Claim, error) {
	return r.getOne(ctx, clearinghouseID, `clearinghouse_id = $1`, clearinghouseID)
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim, expectedVersion int) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE claims SET status=$3, allowed_amount=$4, paid_amount=$5, patient_resp=$6,
			clearinghouse_id=$7, external_status=$8, void_reason=$9,
			submitted_at=$10, adjudicated_at=$11, last_synced_at=$12, version=$13, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		c.ID, expectedVersion, c.Status, c.AllowedAmount, c.PaidAmount, c.PatientBalance,
		nullString(c.ClearinghouseID), nullString(c.ExternalStatus), nullString(c.VoidReason),
		c.SubmittedAt, c.AdjudicatedAt, c.LastSyncedAt, c.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("clearinghouse_id", "already assigned")
		}
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM claims WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("claim", c.ID.String())
		}
		return &apperr.ConcurrentModificationError{Entity: "claim", ID: c.ID.String(), Version: expectedVersion}
	}
	for _, l := range c.Lines {
		_, err := q.Exec(ctx, `
			UPDATE claim_line_items SET outcome=$3, reason_codes=$4, allowed_amount=$5, paid_amount=$6
			WHERE claim_id = $1 AND line_number = $2`,
			c.ID, l.LineNumber, l.Outcome, nonNil(l.ReasonCodes), l.AllowedAmount, l.PaidAmount)
		if err != nil {
			return fmt.Errorf("update claim line %d: %w", l.LineNumber, err)
		}
	}
	return nil
}

func (r *claimRepoPG) queryClaims(ctx context.Context, sql string, args ...interface{}) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, out...); err != nil {
		return nil, err
	}
	return out, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *claimRepoPG) List(ctx context.Context, f ListFilter) ([]*Claim, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Status) > 0 {
		add("status = ANY($%d)", statusStrings(f.Status))
	}
	if f.AccountID != nil {
		add("account_id = $%d", *f.AccountID)
	}
	if f.PayerID != "" {
		add("payer_id = $%d", f.PayerID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM claims%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		claimCols, clause, len(args)-1, len(args))
	out, err := r.queryClaims(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *claimRepoPG) ListForSync(ctx context.Context, statuses []Status, syncedBefore time.Time, limit int) ([]*Claim, error) {
	return r.queryClaims(ctx, `SELECT `+claimCols+` FROM claims
		WHERE status = ANY($1) AND COALESCE(last_synced_at, submitted_at, created_at) < $2
		ORDER BY COALESCE(last_synced_at, submitted_at, created_at) LIMIT $3`,
		statusStrings(statuses), syncedBefore, limit)
}

func (r *claimRepoPG) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Claim, error) {
	return r.queryClaims(ctx, `SELECT `+claimCols+` FROM claims WHERE account_id = $1 ORDER BY created_at`, accountID)
}

// =========== Remittance Repository ===========

type remittanceRepoPG struct{ pool *pgxpool.Pool }

func NewRemittanceRepoPG(pool *pgxpool.Pool) RemittanceRepository {
	return &remittanceRepoPG{pool: pool}
}

func (r *remittanceRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

func (r *remittanceRepoPG) Begin(ctx context.Context, rem *Remittance) (*Remittance, bool, error) {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		INSERT INTO remittances (batch_id, payer_id, payer_name, payment_date, total_paid, status, source, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (batch_id) DO NOTHING`,
		rem.BatchID, nullString(rem.PayerID), nullString(rem.PayerName), rem.PaymentDate, rem.TotalPaid,
		rem.Status, rem.Source, rem.ReceivedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert remittance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := r.GetByBatchID(ctx, rem.BatchID)
		return stored, false, err
	}
	for _, rec := range rem.Records {
		adj, err := json.Marshal(rec.Adjustments)
		if err != nil {
			return nil, false, err
		}
		lines, err := json.Marshal(rec.Lines)
		if err != nil {
			return nil, false, err
		}
		_, err = q.Exec(ctx, `
			INSERT INTO remittance_records (batch_id, seq, claim_ref, billed_amount, allowed_amount, paid_amount,
				patient_resp, adjustments, lines)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			rem.BatchID, rec.Seq, rec.ClaimRef, rec.BilledAmount, rec.AllowedAmount, rec.PaidAmount,
			rec.PatientResponsibility, adj, lines)
		if err != nil {
			return nil, false, fmt.Errorf("insert remittance record %d: %w", rec.Seq, err)
		}
	}
	return rem, true, nil
}

func (r *remittanceRepoPG) GetByBatchID(ctx context.Context, batchID string) (*Remittance, error) {
	q := r.conn(ctx)
	var rem Remittance
	err := q.QueryRow(ctx, `
		SELECT batch_id, COALESCE(payer_id, ''), COALESCE(payer_name, ''), payment_date, total_paid, status,
			source, received_at, applied_at
		FROM remittances WHERE batch_id = $1`, batchID).Scan(
		&rem.BatchID, &rem.PayerID, &rem.PayerName, &rem.PaymentDate, &rem.TotalPaid, &rem.Status,
		&rem.Source, &rem.ReceivedAt, &rem.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("remittance", batchID)
		}
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT seq, claim_ref, billed_amount, allowed_amount, paid_amount, patient_resp, adjustments, lines,
			applied, COALESCE(outcome, '')
		FROM remittance_records WHERE batch_id = $1 ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec RemittanceRecord
		var adj, lines []byte
		if err := rows.Scan(&rec.Seq, &rec.ClaimRef, &rec.BilledAmount, &rec.AllowedAmount, &rec.PaidAmount,
			&rec.PatientResponsibility, &adj, &lines, &rec.Applied, &rec.Outcome); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(adj, &rec.Adjustments); err != nil {
			return nil, fmt.Errorf("decode adjustments: %w", err)
		}
		if err := json.Unmarshal(lines, &rec.Lines); err != nil {
			return nil, fmt.Errorf("decode lines: %w", err)
		}
		rem.Records = append(rem.Records, rec)
	}
	return &rem, rows.Err()
}

func (r *remittanceRepoPG) MarkRecordApplied(ctx context.Context, batchID string, seq int, outcome string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE remittance_records SET applied = TRUE, outcome = $3 WHERE batch_id = $1 AND seq = $2`,
		batchID, seq, outcome)
	return err
}

func (r *remittanceRepoPG) MarkApplied(ctx context.Context, batchID string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE remittances SET status = $2, applied_at = $3 WHERE batch_id = $1`,
		batchID, RemittanceApplied, at)
	return err
}
