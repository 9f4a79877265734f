package account

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository stores accounts. The balance operations are single atomic
// updates so concurrent postings never lose money.
type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	List(ctx context.Context, f ListFilter) ([]*Account, int, error)
	// Adjust adds delta to the balance, flooring at zero. The oldest unpaid
	// stamp is set on the first charge and cleared once nothing is owed.
	Adjust(ctx context.Context, id uuid.UUID, delta decimal.Decimal, at time.Time) (*Account, error)
	// RecordPayment subtracts amount and fails when it exceeds the balance.
	RecordPayment(ctx context.Context, id uuid.UUID, amount decimal.Decimal, at time.Time, onTime bool) (*Account, error)
	MarkStatement(ctx context.Context, id uuid.UUID, at time.Time) (*Account, error)
}
