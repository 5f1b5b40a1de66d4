package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrKeyEmpty        = errors.New("encryption key is empty")
	ErrKeyLength       = errors.New("encryption key must be 32 bytes")
	ErrCiphertextShort = errors.New("ciphertext too short")
)

// Sealer encrypts token material at rest. The associated data binds a
// ciphertext to the row it was written for, so a value copied to another
// (user, provider) row fails to open.
type Sealer interface {
	Seal(plaintext, associated string) (string, error)
	Open(sealed, associated string) (string, error)
}

// AESGCM seals values with AES-256-GCM and encodes them as base64 with the
// nonce prepended.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a sealer from a raw 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

// NewAESGCMFromBase64Key creates a sealer from a base64-encoded 32-byte key.
func NewAESGCMFromBase64Key(encodedKey string) (*AESGCM, error) {
	if encodedKey == "" {
		return nil, ErrKeyEmpty
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewAESGCM(key)
}

// Seal encrypts plaintext. Empty plaintext seals to the empty string.
func (a *AESGCM) Seal(plaintext, associated string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := a.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (a *AESGCM) Open(sealed, associated string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := a.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrCiphertextShort
	}
	plain, err := a.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(associated))
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// LoadOrCreateKeyFile returns the base64 key stored at path, generating and
// writing a fresh one (mode 0600) when the file does not exist yet. Local
// mode uses it when no key is configured.
func LoadOrCreateKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return encoded, nil
}
