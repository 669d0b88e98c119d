// internal/crypto/crypto.go
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

	"golang.org/x/crypto/hkdf"
)

const (
	// IDBytes is the entropy of a secret id: 128 bits.
	IDBytes = 16

	minKeyLength = 16
	keyLength    = 32
	hkdfInfo     = "ephemeral.share payload v1"
)

// GenerateID returns a fresh unguessable id, base64url without padding.
func GenerateID() string {
	bytes := make([]byte, IDBytes)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// Sealer encrypts payloads at rest with AES-256-GCM. The secret id is bound
// as additional data so a ciphertext cannot be moved to another id.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the payload key from master with HKDF-SHA256.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < minKeyLength {
		return nil, fmt.Errorf("encryption key must be at least %d bytes", minKeyLength)
	}
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plaintext []byte, id string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

func (s *Sealer) Open(ciphertext []byte, id string) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize+s.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
