package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenPair_ExpiredAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"zero expiry is valid", time.Time{}, false},
		{"well in the future", now.Add(time.Hour), false},
		{"inside the skew window", now.Add(20 * time.Second), true},
		{"exactly at skew boundary", now.Add(DefaultExpirySkew), true},
		{"already expired", now.Add(-time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair := TokenPair{ExpiresAt: tt.expires}
			assert.Equal(t, tt.want, pair.ExpiredAt(now, DefaultExpirySkew))
		})
	}
}

func TestTokenPair_Apply(t *testing.T) {
	exp := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	pair := TokenPair{AccessToken: "old", RefreshToken: "r1", TokenType: "Bearer", Scopes: []string{"activity"}}

	t.Run("keeps refresh token when none returned", func(t *testing.T) {
		next := pair.Apply(Grant{AccessToken: "new", ExpiresAt: exp})
		assert.Equal(t, "new", next.AccessToken)
		assert.Equal(t, "r1", next.RefreshToken)
		assert.Equal(t, "Bearer", next.TokenType)
		assert.Equal(t, []string{"activity"}, next.Scopes)
		assert.Equal(t, exp, next.ExpiresAt)
	})

	t.Run("takes rotated refresh token", func(t *testing.T) {
		next := pair.Apply(Grant{AccessToken: "new", RefreshToken: "r2", Scopes: []string{"sleep"}})
		assert.Equal(t, "r2", next.RefreshToken)
		assert.Equal(t, []string{"sleep"}, next.Scopes)
		assert.Equal(t, "old", pair.AccessToken)
	})
}
