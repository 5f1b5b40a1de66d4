package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/vitalsync/internal/connections/application"
	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	"github.com/felixgeelhaar/vitalsync/internal/connections/infrastructure/persistence"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

type stubAuthorizer struct {
	mu       sync.Mutex
	provider providers.Provider
	grant    *domain.Grant
	err      error
	calls    int
}

func (s *stubAuthorizer) Provider() providers.Provider { return s.provider }
func (s *stubAuthorizer) AuthURL(state string) string  { return "https://auth.example/?state=" + state }

func (s *stubAuthorizer) Exchange(ctx context.Context, code string) (*domain.Grant, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.grant, nil
}

func (s *stubAuthorizer) Refresh(ctx context.Context, refreshToken string) (*domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.grant, nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newManager(repo domain.Repository, auth *stubAuthorizer, metrics observability.Metrics) *application.Manager {
	return application.NewManager(repo, []application.Authorizer{auth},
		application.ManagerConfig{Now: func() time.Time { return now }}, nil, metrics)
}

func seed(t *testing.T, repo domain.Repository, expires time.Time) domain.TokenPair {
	t.Helper()
	pair := domain.TokenPair{
		UserID:       uuid.New(),
		Provider:     providers.ProviderFitbit,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    expires,
	}
	require.NoError(t, repo.Save(context.Background(), pair))
	return pair
}

func TestEnsureValid_ValidTokenNoNetwork(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{provider: providers.ProviderFitbit}
	m := newManager(repo, auth, nil)
	pair := seed(t, repo, now.Add(time.Hour))

	got, err := m.EnsureValid(context.Background(), &pair)
	require.NoError(t, err)
	assert.Equal(t, "old-access", got.AccessToken)
	assert.Zero(t, auth.calls)
}

func TestEnsureValid_ZeroExpiryIsValid(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{provider: providers.ProviderFitbit}
	pair := seed(t, repo, time.Time{})

	_, err := newManager(repo, auth, nil).EnsureValid(context.Background(), &pair)
	require.NoError(t, err)
	assert.Zero(t, auth.calls)
}

func TestEnsureValid_RefreshesAndPersists(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	metrics := observability.NewInMemoryMetrics()
	auth := &stubAuthorizer{
		provider: providers.ProviderFitbit,
		grant:    &domain.Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: now.Add(8 * time.Hour)},
	}
	m := newManager(repo, auth, metrics)
	pair := seed(t, repo, now.Add(10*time.Second))

	got, err := m.EnsureValid(context.Background(), &pair)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	assert.Equal(t, 1, auth.calls)

	stored, err := repo.Find(context.Background(), pair.UserID, pair.Provider)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricTokenRefreshes,
		observability.T("provider", "fitbit"), observability.T("result", "ok")))
}

func TestEnsureValid_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{
		provider: providers.ProviderFitbit,
		grant:    &domain.Grant{AccessToken: "new-access", ExpiresAt: now.Add(time.Hour)},
	}
	pair := seed(t, repo, now.Add(-time.Minute))

	got, err := newManager(repo, auth, nil).EnsureValid(context.Background(), &pair)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", got.RefreshToken)
}

func TestEnsureValid_InvalidGrantDeletesToken(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{
		provider: providers.ProviderFitbit,
		err:      fmt.Errorf("token endpoint: %w", domain.ErrInvalidGrant),
	}
	pair := seed(t, repo, now.Add(-time.Minute))

	_, err := newManager(repo, auth, nil).EnsureValid(context.Background(), &pair)
	require.ErrorIs(t, err, application.ErrReauthRequired)

	_, err = repo.Find(context.Background(), pair.UserID, pair.Provider)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestEnsureValid_TransientFailureKeepsToken(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{provider: providers.ProviderFitbit, err: errors.New("connection reset")}
	pair := seed(t, repo, now.Add(-time.Minute))

	_, err := newManager(repo, auth, nil).EnsureValid(context.Background(), &pair)
	require.ErrorIs(t, err, application.ErrRefreshUnavailable)
	assert.NotErrorIs(t, err, application.ErrReauthRequired)

	stored, err := repo.Find(context.Background(), pair.UserID, pair.Provider)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", stored.RefreshToken)
}

func TestEnsureValid_NoAuthorizer(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	m := application.NewManager(repo, nil, application.ManagerConfig{Now: func() time.Time { return now }}, nil, nil)
	pair := seed(t, repo, now.Add(-time.Minute))

	_, err := m.EnsureValid(context.Background(), &pair)
	assert.ErrorIs(t, err, application.ErrRefreshUnavailable)
	assert.ErrorIs(t, err, application.ErrNoAuthorizer)
}

func TestEnsureValid_ConcurrentCallersRefreshOnce(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{
		provider: providers.ProviderFitbit,
		grant:    &domain.Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: now.Add(time.Hour)},
	}
	m := newManager(repo, auth, nil)
	pair := seed(t, repo, now.Add(-time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stale := pair
			got, err := m.EnsureValid(context.Background(), &stale)
			assert.NoError(t, err)
			assert.Equal(t, "new-access", got.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, auth.calls)
}

func TestLoad_NotConnected(t *testing.T) {
	m := newManager(persistence.NewMemoryTokenRepository(), &stubAuthorizer{provider: providers.ProviderFitbit}, nil)

	_, err := m.Load(context.Background(), uuid.New(), providers.ProviderFitbit)
	assert.ErrorIs(t, err, application.ErrNotConnected)
}

func TestConnectAndDisconnect(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	auth := &stubAuthorizer{
		provider: providers.ProviderFitbit,
		grant:    &domain.Grant{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(time.Hour), Scopes: []string{"activity"}},
	}
	m := newManager(repo, auth, nil)
	ctx := context.Background()
	userID := uuid.New()

	url, err := m.AuthURL(providers.ProviderFitbit, "xyz")
	require.NoError(t, err)
	assert.Contains(t, url, "state=xyz")

	_, err = m.AuthURL(providers.ProviderWithings, "xyz")
	assert.ErrorIs(t, err, application.ErrNoAuthorizer)

	pair, err := m.Connect(ctx, userID, providers.ProviderFitbit, "code")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)

	conns, err := m.Connections(ctx, userID)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, providers.ProviderFitbit, conns[0].Provider)
	assert.False(t, conns[0].Expired)
	assert.Equal(t, []string{"activity"}, conns[0].Scopes)

	require.NoError(t, m.Disconnect(ctx, userID, providers.ProviderFitbit))
	assert.ErrorIs(t, m.Disconnect(ctx, userID, providers.ProviderFitbit), application.ErrNotConnected)
}

func TestInvalidate(t *testing.T) {
	repo := persistence.NewMemoryTokenRepository()
	m := newManager(repo, &stubAuthorizer{provider: providers.ProviderFitbit}, nil)
	pair := seed(t, repo, now.Add(time.Hour))

	require.NoError(t, m.Invalidate(context.Background(), pair.UserID, pair.Provider))
	_, err := m.ValidToken(context.Background(), pair.UserID, pair.Provider)
	assert.ErrorIs(t, err, application.ErrNotConnected)
}
