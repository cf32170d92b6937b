package blobstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Sealer encrypts blob payloads at rest with AES-256-GCM. Keys are
// either raw 32-byte values (base64) or derived from a passphrase via
// PBKDF2.
type Sealer struct {
	key []byte
}

// SealConfig holds sealing configuration.
type SealConfig struct {
	Key        string // base64 encoded key or passphrase
	KeyType    string // "raw", "passphrase"
	Salt       string // for passphrase derivation
	Iterations int    // PBKDF2 iterations
}

// DefaultSealConfig returns the passphrase-based default.
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		KeyType:    "passphrase",
		Iterations: 100000,
	}
}

// NewSealer creates a sealer from the given configuration.
func NewSealer(config *SealConfig) (*Sealer, error) {
	var key []byte

	switch config.KeyType {
	case "raw":
		var err error
		key, err = base64.StdEncoding.DecodeString(config.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid key: %w", err)
		}
	case "passphrase":
		salt := []byte(config.Salt)
		if len(salt) == 0 {
			salt = []byte("taskflow-default-salt")
		}
		key = pbkdf2.Key([]byte(config.Key), salt, config.Iterations, 32, sha256.New)
	default:
		return nil, fmt.Errorf("unknown key type: %s", config.KeyType)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes for AES-256")
	}

	return &Sealer{key: key}, nil
}

// Seal encrypts data, prepending the nonce to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts data produced by Seal.
func (s *Sealer) Unseal(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
