package aging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

type scoreRepoPG struct{ pool *pgxpool.Pool }

func NewScoreRepoPG(pool *pgxpool.Pool) ScoreRepository { return &scoreRepoPG{pool: pool} }

func (r *scoreRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.pool) }

const scoreCols = `account_id, collection_probability::float8, aging_bucket, days_outstanding, balance, model, computed_at`

func scanScore(row pgx.Row) (*RiskScore, error) {
	var s RiskScore
	err := row.Scan(&s.AccountID, &s.CollectionProbability, &s.AgingBucket, &s.DaysOutstanding,
		&s.Balance, &s.Model, &s.ComputedAt)
	return &s, err
}

func (r *scoreRepoPG) Upsert(ctx context.Context, s *RiskScore) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO risk_scores (account_id, collection_probability, aging_bucket, days_outstanding, balance, model, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (account_id) DO UPDATE SET
			collection_probability = EXCLUDED.collection_probability,
			aging_bucket = EXCLUDED.aging_bucket,
			days_outstanding = EXCLUDED.days_outstanding,
			balance = EXCLUDED.balance,
			model = EXCLUDED.model,
			computed_at = EXCLUDED.computed_at`,
		s.AccountID, s.CollectionProbability, s.AgingBucket, s.DaysOutstanding, s.Balance, s.Model, s.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert risk score %s: %w", s.AccountID, err)
	}
	return nil
}

func (r *scoreRepoPG) Get(ctx context.Context, accountID uuid.UUID) (*RiskScore, error) {
	s, err := scanScore(r.conn(ctx).QueryRow(ctx, `SELECT `+scoreCols+` FROM risk_scores WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("risk score", accountID.String())
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *scoreRepoPG) List(ctx context.Context, limit, offset int) ([]*RiskScore, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM risk_scores`).Scan(&total); err != nil {
		return nil, 0, err
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scoreCols+` FROM risk_scores
		ORDER BY collection_probability, account_id LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RiskScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
