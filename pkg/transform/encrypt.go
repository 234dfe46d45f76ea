package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
)

// AESGCM seals content with AES-256-GCM. The random nonce is stored in front
// of the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates an encryptor from a 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
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

// KeyFromEnv derives a 32 byte key from the passphrase in the named environment variable.
func KeyFromEnv(name string) ([]byte, error) {
	pass := os.Getenv(name)
	if pass == "" {
		return nil, fmt.Errorf("environment variable %s is empty or not set", name)
	}
	sum := sha256.Sum256([]byte(pass))
	return sum[:], nil
}

func (a *AESGCM) Name() string { return "aes-gcm" }

func (a *AESGCM) Transform(data []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(data)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, data, nil), nil
}

func (a *AESGCM) InverseTransform(data []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(data) < n+a.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	out, err := a.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return out, nil
}
