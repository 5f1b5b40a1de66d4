package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateValidKey generates a valid 32-byte base64-encoded key for testing.
func generateValidKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESGCMFromBase64Key(t *testing.T) {
	t.Run("accepts a 32-byte key", func(t *testing.T) {
		sealer, err := NewAESGCMFromBase64Key(generateValidKey())
		require.NoError(t, err)
		assert.NotNil(t, sealer)
	})

	t.Run("rejects empty key", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key("")
		assert.ErrorIs(t, err, ErrKeyEmpty)
	})

	t.Run("rejects invalid base64", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key("not-valid-base64!!!")
		assert.Error(t, err)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString([]byte("short")))
		assert.ErrorIs(t, err, ErrKeyLength)
	})
}

func TestAESGCM_SealOpen(t *testing.T) {
	sealer, err := NewAESGCMFromBase64Key(generateValidKey())
	require.NoError(t, err)

	t.Run("round trips with the same associated data", func(t *testing.T) {
		sealed, err := sealer.Seal("access-token", "user-1/fitbit")
		require.NoError(t, err)
		assert.NotContains(t, sealed, "access-token")

		plain, err := sealer.Open(sealed, "user-1/fitbit")
		require.NoError(t, err)
		assert.Equal(t, "access-token", plain)
	})

	t.Run("uses a fresh nonce per call", func(t *testing.T) {
		a, err := sealer.Seal("same", "ad")
		require.NoError(t, err)
		b, err := sealer.Seal("same", "ad")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("fails when moved to another row", func(t *testing.T) {
		sealed, err := sealer.Seal("refresh-token", "user-1/withings")
		require.NoError(t, err)

		_, err = sealer.Open(sealed, "user-2/withings")
		assert.Error(t, err)
	})

	t.Run("empty values stay empty", func(t *testing.T) {
		sealed, err := sealer.Seal("", "ad")
		require.NoError(t, err)
		assert.Empty(t, sealed)

		plain, err := sealer.Open("", "ad")
		require.NoError(t, err)
		assert.Empty(t, plain)
	})

	t.Run("rejects truncated ciphertext", func(t *testing.T) {
		_, err := sealer.Open(base64.StdEncoding.EncodeToString([]byte("tiny")), "ad")
		assert.ErrorIs(t, err, ErrCiphertextShort)
	})
}

func TestLoadOrCreateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "token.key")

	first, err := LoadOrCreateKeyFile(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = NewAESGCMFromBase64Key(second)
	assert.NoError(t, err)
}
