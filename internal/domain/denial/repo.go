package denial

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateDenials(ctx context.Context, ds []*Denial) error
	GetDenial(ctx context.Context, id uuid.UUID) (*Denial, error)
	ListDenials(ctx context.Context, f ListFilter) ([]*Denial, int, error)
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Denial, error)
	ListSince(ctx context.Context, since time.Time) ([]*Denial, error)
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
	// UpdateDenial persists d only if the stored version equals
	// expectedVersion.
	UpdateDenial(ctx context.Context, d *Denial, expectedVersion int) error

	CreateAppeal(ctx context.Context, a *Appeal) error
	GetAppeal(ctx context.Context, id uuid.UUID) (*Appeal, error)
	ListAppeals(ctx context.Context, denialID uuid.UUID) ([]*Appeal, error)
	// ResolveAppeal records the outcome of a pending appeal. It fails with
	// ConcurrentModificationError when the appeal is no longer pending.
	ResolveAppeal(ctx context.Context, id uuid.UUID, outcome Outcome, at time.Time) error
}
