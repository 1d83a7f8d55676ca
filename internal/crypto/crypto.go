// Package crypto encrypts secrets stored in the database, such as HTTP
// header values of persisted service definitions.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// EncryptedPrefix is prepended to encrypted values to identify them
	EncryptedPrefix = "enc:v1:"

	// KeyEnv names the environment variable holding the encryption secret.
	KeyEnv = "POLLARR_ENCRYPTION_KEY"
)

var (
	defaultManager     *KeyManager
	defaultManagerOnce sync.Once

	ErrNoEncryptionKey = errors.New("no encryption key configured")
	ErrDecryptFailed   = errors.New("decryption failed: invalid ciphertext")
)

// KeyManager encrypts with AES-256-GCM. Without a key it passes values
// through unchanged, so installations that never set one keep working.
type KeyManager struct {
	key []byte
}

// NewKeyManager derives a 32-byte key from secret. An empty secret disables
// encryption.
func NewKeyManager(secret string) *KeyManager {
	if secret == "" {
		return &KeyManager{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &KeyManager{key: sum[:]}
}

// Default returns the process-wide manager keyed from POLLARR_ENCRYPTION_KEY.
func Default() *KeyManager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewKeyManager(os.Getenv(KeyEnv))
	})
	return defaultManager
}

// HasKey returns true if an encryption key is configured
func (km *KeyManager) HasKey() bool {
	return km.key != nil
}

func (km *KeyManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns EncryptedPrefix + base64(nonce || ciphertext), or plaintext
// unchanged when no key is configured.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	if !km.HasKey() || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	aead, err := km.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as-is.
func (km *KeyManager) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if !km.HasKey() {
		return "", ErrNoEncryptionKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrDecryptFailed
	}
	aead, err := km.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// EncryptValues returns a copy of m with every value encrypted.
func (km *KeyManager) EncryptValues(m map[string]string) (map[string]string, error) {
	return km.mapValues(m, km.Encrypt)
}

// DecryptValues returns a copy of m with every value decrypted.
func (km *KeyManager) DecryptValues(m map[string]string) (map[string]string, error) {
	return km.mapValues(m, km.Decrypt)
}

func (km *KeyManager) mapValues(m map[string]string, fn func(string) (string, error)) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		converted, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = converted
	}
	return out, nil
}

// IsEncrypted checks if a value appears to be encrypted
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}
