package persistence

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/crypto"
)

// associatedData binds a ciphertext to its row.
func associatedData(userID uuid.UUID, provider providers.Provider) string {
	return userID.String() + "/" + provider.String()
}

func sealPair(sealer crypto.Sealer, pair domain.TokenPair) (access, refresh string, err error) {
	ad := associatedData(pair.UserID, pair.Provider)
	if access, err = sealer.Seal(pair.AccessToken, ad); err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh, err = sealer.Seal(pair.RefreshToken, ad); err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

func openPair(sealer crypto.Sealer, pair *domain.TokenPair, access, refresh string) error {
	ad := associatedData(pair.UserID, pair.Provider)
	var err error
	if pair.AccessToken, err = sealer.Open(access, ad); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	if pair.RefreshToken, err = sealer.Open(refresh, ad); err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	return nil
}
