// Package auth handles the API key that protects Pollarr's mutating routes.
// Only a bcrypt hash of the key is stored.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/mescon/Pollarr/internal/db"
)

// SettingAPIKeyHash is the settings key holding the bcrypt hash.
const SettingAPIKeyHash = "api_key_hash"

// GenerateAPIKey returns 32 random bytes, base64url encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// SettingsStore reads and writes settings. *db.Repository implements it.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// KeyChecker verifies API keys against the stored hash. The last accepted
// key is cached and compared in constant time; bcrypt runs only on a miss.
type KeyChecker struct {
	mu       sync.Mutex
	hash     string
	accepted []byte
}

// NewKeyChecker wraps an existing bcrypt hash. An empty hash rejects every key.
func NewKeyChecker(hash string) *KeyChecker {
	return &KeyChecker{hash: hash}
}

// Check reports whether key matches the stored hash.
func (k *KeyChecker) Check(key string) bool {
	if key == "" {
		return false
	}
	k.mu.Lock()
	hash, accepted := k.hash, k.accepted
	k.mu.Unlock()

	if hash == "" {
		return false
	}
	if accepted != nil && subtle.ConstantTimeCompare(accepted, []byte(key)) == 1 {
		return true
	}
	if !CheckPasswordHash(key, hash) {
		return false
	}

	k.mu.Lock()
	if k.hash == hash {
		k.accepted = []byte(key)
	}
	k.mu.Unlock()
	return true
}

// SetHash replaces the stored hash and forgets the cached key.
func (k *KeyChecker) SetHash(hash string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hash = hash
	k.accepted = nil
}

// EnsureAPIKey makes sure store holds an API key hash. A configured key
// always replaces the stored hash. With neither, a new key is generated and
// returned so it can be shown once; otherwise generated is empty.
func EnsureAPIKey(store SettingsStore, configured string) (hash, generated string, err error) {
	if configured != "" {
		hash, err = HashPassword(configured)
		if err != nil {
			return "", "", fmt.Errorf("failed to hash API key: %w", err)
		}
		if err := store.SetSetting(SettingAPIKeyHash, hash); err != nil {
			return "", "", fmt.Errorf("failed to store API key hash: %w", err)
		}
		return hash, "", nil
	}

	hash, err = store.GetSetting(SettingAPIKeyHash)
	if err == nil && hash != "" {
		return hash, "", nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", "", fmt.Errorf("failed to read API key hash: %w", err)
	}

	generated, err = GenerateAPIKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	hash, err = HashPassword(generated)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	if err := store.SetSetting(SettingAPIKeyHash, hash); err != nil {
		return "", "", fmt.Errorf("failed to store API key hash: %w", err)
	}
	return hash, generated, nil
}

// RotateAPIKey generates and stores a new key and returns it.
func RotateAPIKey(store SettingsStore) (key, hash string, err error) {
	key, err = GenerateAPIKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	hash, err = HashPassword(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	if err := store.SetSetting(SettingAPIKeyHash, hash); err != nil {
		return "", "", fmt.Errorf("failed to store API key hash: %w", err)
	}
	return key, hash, nil
}
