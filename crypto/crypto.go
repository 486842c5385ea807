// Package crypto seals OAuth tokens before they are written to the database.
// Tokens are encrypted with AES-256-GCM and stored base64 encoded, with the
// random nonce prepended to the ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

// ErrCiphertext is returned when a sealed value cannot be opened.
var ErrCiphertext = errors.New("invalid or tampered ciphertext")

// Sealer encrypts and decrypts short secrets for storage in text columns.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	KeyID() string
}

// AESGCM is a Sealer backed by a single 256 bit key.
type AESGCM struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESGCM builds a sealer from a base64 encoded 32 byte key
// (openssl rand -base64 32). keyID is stored next to each sealed row.
func NewAESGCM(base64Key, keyID string) (*AESGCM, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &AESGCM{aead: aead, keyID: keyID}, nil
}

func (a *AESGCM) KeyID() string { return a.keyID }

// Seal encrypts plaintext. The empty string seals to itself.
func (a *AESGCM) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (a *AESGCM) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := a.aead.NonceSize()
	if len(raw) < n+a.aead.Overhead() {
		return "", ErrCiphertext
	}
	plain, err := a.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}
