package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// MemoryTokenRepository keeps pairs in memory. Used by tests and dry runs.
type MemoryTokenRepository struct {
	mu    sync.RWMutex
	pairs map[string]domain.TokenPair
}

// NewMemoryTokenRepository creates an empty repository.
func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{pairs: make(map[string]domain.TokenPair)}
}

func memoryKey(userID uuid.UUID, provider providers.Provider) string {
	return userID.String() + "/" + provider.String()
}

func (r *MemoryTokenRepository) Save(ctx context.Context, pair domain.TokenPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair.Scopes = append([]string(nil), pair.Scopes...)
	r.pairs[memoryKey(pair.UserID, pair.Provider)] = pair
	return nil
}

func (r *MemoryTokenRepository) Find(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*domain.TokenPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.pairs[memoryKey(userID, provider)]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &pair, nil
}

func (r *MemoryTokenRepository) Delete(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pairs, memoryKey(userID, provider))
	return nil
}

func (r *MemoryTokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.TokenPair, error) {
	all, _ := r.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryTokenRepository) List(ctx context.Context) ([]domain.TokenPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TokenPair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}
