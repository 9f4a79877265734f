package aging

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type MemoryScoreRepo struct {
	mu     sync.RWMutex
	scores map[uuid.UUID]RiskScore
}

func NewMemoryScoreRepo() *MemoryScoreRepo {
	return &MemoryScoreRepo{scores: make(map[uuid.UUID]RiskScore)}
}

func (r *MemoryScoreRepo) Upsert(_ context.Context, s *RiskScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[s.AccountID] = *s
	return nil
}

func (r *MemoryScoreRepo) Get(_ context.Context, accountID uuid.UUID) (*RiskScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scores[accountID]
	if !ok {
		return nil, apperr.NotFound("risk score", accountID.String())
	}
	return &s, nil
}

func (r *MemoryScoreRepo) List(_ context.Context, limit, offset int) ([]*RiskScore, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*RiskScore, 0, len(r.scores))
	for _, s := range r.scores {
		s := s
		all = append(all, &s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CollectionProbability != all[j].CollectionProbability {
			return all[i].CollectionProbability < all[j].CollectionProbability
		}
		return all[i].AccountID.String() < all[j].AccountID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}
