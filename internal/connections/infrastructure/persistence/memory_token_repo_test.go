package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

func TestMemoryTokenRepository(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.Find(ctx, userID, providers.ProviderFitbit)
	require.ErrorIs(t, err, domain.ErrTokenNotFound)

	require.NoError(t, repo.Save(ctx, domain.TokenPair{UserID: userID, Provider: providers.ProviderFitbit, AccessToken: "a"}))
	found, err := repo.Find(ctx, userID, providers.ProviderFitbit)
	require.NoError(t, err)
	assert.Equal(t, "a", found.AccessToken)

	pairs, err := repo.ListByUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	require.NoError(t, repo.Delete(ctx, userID, providers.ProviderFitbit))
	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
