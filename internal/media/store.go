package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// PhotoStore keeps captured photo bytes on disk, addressed by their
// SHA-256 content hash. Retakes of identical frames dedupe for free.
type PhotoStore struct {
	baseDir string
}

// NewPhotoStore creates a PhotoStore rooted at baseDir.
func NewPhotoStore(baseDir string) *PhotoStore {
	return &PhotoStore{baseDir: baseDir}
}

// ContentHash returns the SHA-256 hex digest of photo bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save stores photo bytes and returns the path they live at. Files are
// sharded two levels deep by hash prefix.
func (s *PhotoStore) Save(data []byte) (string, error) {
	hash := ContentHash(data)

	dir := filepath.Join(s.baseDir, hash[0:2], hash[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create photo directory: %w", err)
	}

	path := filepath.Join(dir, hash)
	if _, err := os.Stat(path); err == nil {
		// Identical content already stored.
		return path, nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write photo: %w", err)
	}
	return path, nil
}

// Load reads photo bytes back from a stored path and verifies they
// still match their content hash.
func (s *PhotoStore) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	if expected := filepath.Base(path); ContentHash(data) != expected {
		return nil, fmt.Errorf("photo content corrupted at %s", path)
	}
	return data, nil
}

// Remove deletes stored photo bytes. Missing files are not an error.
func (s *PhotoStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove photo: %w", err)
	}
	// Best-effort cleanup of empty shard directories.
	os.Remove(filepath.Dir(path))
	os.Remove(filepath.Dir(filepath.Dir(path)))
	return nil
}
