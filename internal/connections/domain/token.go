package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// DefaultExpirySkew treats a token as expired slightly before the provider
// does, so a request started just before expiry does not fail mid-flight.
const DefaultExpirySkew = 30 * time.Second

var (
	// ErrTokenNotFound is returned by Repository.Find when no pair is stored.
	ErrTokenNotFound = errors.New("token not found")

	// ErrInvalidGrant means the provider rejected the refresh token itself.
	// The stored pair can never be refreshed again.
	ErrInvalidGrant = errors.New("invalid grant")
)

// TokenPair is the OAuth credential a user granted for one provider.
// At most one exists per (UserID, Provider).
type TokenPair struct {
	UserID       uuid.UUID
	Provider     providers.Provider
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// ExpiredAt reports whether the access token must be refreshed at now.
// A zero ExpiresAt means the provider did not say, and the token is
// treated as valid.
func (t TokenPair) ExpiredAt(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-skew))
}

// Grant is what a provider token endpoint returns.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
}

// Apply returns a copy of t updated with g. A grant without a refresh
// token keeps the old one; providers that rotate return a new one.
func (t TokenPair) Apply(g Grant) TokenPair {
	next := t
	next.AccessToken = g.AccessToken
	if g.RefreshToken != "" {
		next.RefreshToken = g.RefreshToken
	}
	if g.TokenType != "" {
		next.TokenType = g.TokenType
	}
	next.ExpiresAt = g.ExpiresAt
	if len(g.Scopes) > 0 {
		next.Scopes = g.Scopes
	}
	return next
}

// Repository persists token pairs. Implementations encrypt at rest.
type Repository interface {
	// Save inserts or replaces the pair for (UserID, Provider).
	Save(ctx context.Context, pair TokenPair) error
	// Find returns ErrTokenNotFound when nothing is stored.
	Find(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*TokenPair, error)
	// Delete is a no-op when nothing is stored.
	Delete(ctx context.Context, userID uuid.UUID, provider providers.Provider) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]TokenPair, error)
	List(ctx context.Context) ([]TokenPair, error)
}
