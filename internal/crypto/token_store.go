package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoToken is returned when no token has been stored yet.
var ErrNoToken = errors.New("no stored token")

const tokenFileName = "api_token.enc"

// TokenStore persists the remote API token encrypted on disk. The file
// lives under the data directory next to the database so a wiped data
// dir also forgets the credential.
type TokenStore struct {
	path string
	key  []byte
}

// NewTokenStore creates a store rooted at dataDir, keyed by deviceID.
func NewTokenStore(dataDir, deviceID string) *TokenStore {
	return &TokenStore{
		path: filepath.Join(dataDir, tokenFileName),
		key:  DeriveKey(deviceID),
	}
}

// Save encrypts and writes the token. An empty token clears the store.
func (s *TokenStore) Save(token string) error {
	if token == "" {
		return s.Clear()
	}
	ciphertext, err := Encrypt([]byte(token), s.key)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(ciphertext), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Load decrypts the stored token. Returns ErrNoToken when the file is
// absent or empty.
func (s *TokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	if len(data) == 0 {
		return "", ErrNoToken
	}
	plaintext, err := Decrypt(string(data), s.key)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// Clear removes the stored token. Missing file is not an error.
func (s *TokenStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
