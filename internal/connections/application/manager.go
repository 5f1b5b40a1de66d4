// Package application keeps provider tokens usable: it refreshes expired
// access tokens, persists rotated credentials and forgets credentials the
// provider no longer accepts.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

var (
	// ErrReauthRequired means the stored credential was rejected and has
	// been deleted. The user must connect the provider again.
	ErrReauthRequired = errors.New("re-authorization required")

	// ErrRefreshUnavailable means refreshing failed for a reason other than
	// an invalid grant. The stored credential is kept.
	ErrRefreshUnavailable = errors.New("token refresh unavailable")

	// ErrNotConnected means no credential is stored for the provider.
	ErrNotConnected = errors.New("provider not connected")

	// ErrNoAuthorizer means the provider has no OAuth client configured.
	ErrNoAuthorizer = errors.New("provider oauth client not configured")
)

// Authorizer talks to a provider's OAuth endpoints. Exchange and Refresh
// must wrap domain.ErrInvalidGrant when the provider rejects the code or
// refresh token itself.
type Authorizer interface {
	Provider() providers.Provider
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*domain.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.Grant, error)
}

// ManagerConfig tunes expiry handling.
type ManagerConfig struct {
	ExpirySkew time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Connection describes a stored credential without exposing it.
type Connection struct {
	Provider  providers.Provider `json:"provider"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
	Expired   bool               `json:"expired"`
	Scopes    []string           `json:"scopes"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Manager is the token lifecycle manager.
type Manager struct {
	repo        domain.Repository
	authorizers map[providers.Provider]Authorizer
	skew        time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     observability.Metrics

	// refresh serializes refreshes per (user, provider) within the process.
	// Providers that rotate refresh tokens invalidate the old one on use,
	// so two concurrent refreshes would make the loser look revoked.
	mu      sync.Mutex
	refresh map[string]*sync.Mutex
}

// NewManager creates a Manager. Authorizers may be empty; EnsureValid then
// reports ErrRefreshUnavailable for expired tokens.
func NewManager(repo domain.Repository, authorizers []Authorizer, config ManagerConfig, logger *slog.Logger, metrics observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if config.ExpirySkew <= 0 {
		config.ExpirySkew = domain.DefaultExpirySkew
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	byProvider := make(map[providers.Provider]Authorizer, len(authorizers))
	for _, a := range authorizers {
		if a != nil {
			byProvider[a.Provider()] = a
		}
	}
	return &Manager{
		repo:        repo,
		authorizers: byProvider,
		skew:        config.ExpirySkew,
		now:         config.Now,
		logger:      logger,
		metrics:     metrics,
		refresh:     make(map[string]*sync.Mutex),
	}
}

// Load returns the stored pair or ErrNotConnected.
func (m *Manager) Load(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*domain.TokenPair, error) {
	pair, err := m.repo.Find(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, provider)
		}
		return nil, fmt.Errorf("load %s token: %w", provider, err)
	}
	return pair, nil
}

// EnsureValid returns a pair whose access token is usable now. A valid pair
// is returned unchanged without any network call. An expired pair is
// refreshed and the result persisted before it is returned.
func (m *Manager) EnsureValid(ctx context.Context, pair *domain.TokenPair) (*domain.TokenPair, error) {
	if pair == nil {
		return nil, ErrNotConnected
	}
	if !pair.ExpiredAt(m.now(), m.skew) {
		return pair, nil
	}

	lock := m.refreshLock(pair.UserID, pair.Provider)
	lock.Lock()
	defer lock.Unlock()

	// Another run may have refreshed while we waited.
	current, err := m.repo.Find(ctx, pair.UserID, pair.Provider)
	switch {
	case errors.Is(err, domain.ErrTokenNotFound):
		return nil, fmt.Errorf("%w: %s token was removed", ErrReauthRequired, pair.Provider)
	case err != nil:
		return nil, fmt.Errorf("%w: reload token: %v", ErrRefreshUnavailable, err)
	}
	if !current.ExpiredAt(m.now(), m.skew) {
		return current, nil
	}

	authorizer, ok := m.authorizers[current.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %w for %s", ErrRefreshUnavailable, ErrNoAuthorizer, current.Provider)
	}
	if current.RefreshToken == "" {
		m.forget(ctx, current, "no refresh token stored")
		return nil, fmt.Errorf("%w: %s token cannot be refreshed", ErrReauthRequired, current.Provider)
	}

	grant, err := authorizer.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidGrant) {
			m.metrics.Counter(observability.MetricTokenRefreshes, 1,
				observability.T("provider", current.Provider.String()), observability.T("result", "invalid_grant"))
			m.forget(ctx, current, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		m.metrics.Counter(observability.MetricTokenRefreshes, 1,
			observability.T("provider", current.Provider.String()), observability.T("result", "error"))
		m.logger.WarnContext(ctx, "token refresh failed, keeping stored token",
			"user_id", current.UserID,
			"provider", current.Provider,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrRefreshUnavailable, err)
	}

	next := current.Apply(*grant)
	next.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("%w: persist refreshed token: %w", ErrRefreshUnavailable, err)
	}

	m.metrics.Counter(observability.MetricTokenRefreshes, 1,
		observability.T("provider", current.Provider.String()), observability.T("result", "ok"))
	m.logger.InfoContext(ctx, "token refreshed",
		"user_id", next.UserID,
		"provider", next.Provider,
		"expires_at", next.ExpiresAt,
	)
	return &next, nil
}

// ValidToken loads the stored pair and ensures it is valid.
func (m *Manager) ValidToken(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*domain.TokenPair, error) {
	pair, err := m.Load(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	return m.EnsureValid(ctx, pair)
}

// Invalidate deletes the stored pair. Used when the provider rejects an
// access token that looked valid.
func (m *Manager) Invalidate(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	if err := m.repo.Delete(ctx, userID, provider); err != nil {
		return fmt.Errorf("delete %s token: %w", provider, err)
	}
	m.logger.InfoContext(ctx, "token invalidated", "user_id", userID, "provider", provider)
	return nil
}

// AuthURL returns the provider consent URL for the connect flow.
func (m *Manager) AuthURL(provider providers.Provider, state string) (string, error) {
	authorizer, ok := m.authorizers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAuthorizer, provider)
	}
	return authorizer.AuthURL(state), nil
}

// Connect exchanges an authorization code and stores the resulting pair,
// replacing any previous one.
func (m *Manager) Connect(ctx context.Context, userID uuid.UUID, provider providers.Provider, code string) (*domain.TokenPair, error) {
	authorizer, ok := m.authorizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAuthorizer, provider)
	}
	grant, err := authorizer.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange %s authorization code: %w", provider, err)
	}

	pair := domain.TokenPair{UserID: userID, Provider: provider, TokenType: "Bearer"}.Apply(*grant)
	pair.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(ctx, pair); err != nil {
		return nil, fmt.Errorf("store %s token: %w", provider, err)
	}

	m.logger.InfoContext(ctx, "provider connected", "user_id", userID, "provider", provider)
	return &pair, nil
}

// Disconnect removes the stored pair.
func (m *Manager) Disconnect(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	if _, err := m.Load(ctx, userID, provider); err != nil {
		return err
	}
	return m.Invalidate(ctx, userID, provider)
}

// Connections lists the user's stored credentials.
func (m *Manager) Connections(ctx context.Context, userID uuid.UUID) ([]Connection, error) {
	pairs, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	now := m.now()
	out := make([]Connection, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Connection{
			Provider:  p.Provider,
			ExpiresAt: p.ExpiresAt,
			Expired:   p.ExpiredAt(now, m.skew),
			Scopes:    p.Scopes,
			UpdatedAt: p.UpdatedAt,
		})
	}
	return out, nil
}

// All lists every stored pair across users. The background worker uses it
// to find what to sync.
func (m *Manager) All(ctx context.Context) ([]domain.TokenPair, error) {
	return m.repo.List(ctx)
}

func (m *Manager) forget(ctx context.Context, pair *domain.TokenPair, reason string) {
	if err := m.repo.Delete(ctx, pair.UserID, pair.Provider); err != nil {
		m.logger.ErrorContext(ctx, "failed to delete rejected token",
			"user_id", pair.UserID,
			"provider", pair.Provider,
			"error", err,
		)
		return
	}
	m.logger.WarnContext(ctx, "token rejected by provider, deleted",
		"user_id", pair.UserID,
		"provider", pair.Provider,
		"reason", reason,
	)
}

func (m *Manager) refreshLock(userID uuid.UUID, provider providers.Provider) *sync.Mutex {
	key := userID.String() + "/" + provider.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.refresh[key]
	if !ok {
		lock = &sync.Mutex{}
		m.refresh[key] = lock
	}
	return lock
}
