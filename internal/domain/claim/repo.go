package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByClearinghouseID(ctx context.Context, clearinghouseID string) (*Claim, error)
	// Update persists c only if the stored version still equals
	// expectedVersion, otherwise it returns ConcurrentModificationError.
	Update(ctx context.Context, c *Claim, expectedVersion int) error
	List(ctx context.Context, f ListFilter) ([]*Claim, int, error)
	ListForSync(ctx context.Context, statuses []Status, syncedBefore time.Time, limit int) ([]*Claim, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Claim, error)
}

type RemittanceRepository interface {
	// Begin stores r with its records unless the batch id already exists, in
	// which case the stored batch is returned and created is false.
	Begin(ctx context.Context, r *Remittance) (stored *Remittance, created bool, err error)
	GetByBatchID(ctx context.Context, batchID string) (*Remittance, error)
	MarkRecordApplied(ctx context.Context, batchID string, seq int, outcome string) error
	MarkApplied(ctx context.Context, batchID string, at time.Time) error
}
