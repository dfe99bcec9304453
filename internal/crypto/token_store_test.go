package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir, "device-1")

	if err := store.Save("tok-secret-99"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "tok-secret-99" {
		t.Errorf("Load() = %q, want %q", got, "tok-secret-99")
	}
}

func TestTokenStoreEncryptedOnDisk(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir, "device-1")

	if err := store.Save("tok-secret-99"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, tokenFileName))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if strings.Contains(string(raw), "tok-secret-99") {
		t.Error("token stored in plaintext")
	}
}

func TestTokenStoreMissing(t *testing.T) {
	store := NewTokenStore(t.TempDir(), "device-1")
	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Load() on empty store error = %v, want ErrNoToken", err)
	}
}

func TestTokenStoreClear(t *testing.T) {
	store := NewTokenStore(t.TempDir(), "device-1")
	if err := store.Save("tok"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Load() after Clear() error = %v, want ErrNoToken", err)
	}
	// Clearing twice must not fail.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

func TestTokenStoreSaveEmptyClears(t *testing.T) {
	store := NewTokenStore(t.TempDir(), "device-1")
	if err := store.Save("tok"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(""); err != nil {
		t.Fatalf("Save(\"\") error = %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Load() error = %v, want ErrNoToken", err)
	}
}

func TestTokenStoreWrongDevice(t *testing.T) {
	dir := t.TempDir()
	if err := NewTokenStore(dir, "device-1").Save("tok"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := NewTokenStore(dir, "device-2").Load(); err == nil {
		t.Error("Load() with a different device key succeeded, want error")
	}
}
