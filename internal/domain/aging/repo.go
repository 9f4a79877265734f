package aging

import (
	"context"

	"github.com/google/uuid"
)

// ScoreRepository keeps exactly one RiskScore per account.
type ScoreRepository interface {
	// Upsert replaces the stored score for s.AccountID.
	Upsert(ctx context.Context, s *RiskScore) error
	Get(ctx context.Context, accountID uuid.UUID) (*RiskScore, error)
	List(ctx context.Context, limit, offset int) ([]*RiskScore, int, error)
}
