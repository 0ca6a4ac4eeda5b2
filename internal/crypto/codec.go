// Package crypto encrypts target credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo scopes derived keys to credential storage.
const hkdfInfo = "queryinsight/credentials/v1"

// Codec provides AES-256-GCM encryption with a random nonce prepended to
// every ciphertext.
type Codec struct {
	gcm cipher.AEAD
}

// NewCodec derives a 32-byte key from secret with HKDF-SHA256. A 64-char hex
// secret is used directly as the raw key material.
func NewCodec(secret string) (*Codec, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("encryption secret must be at least 16 characters, got %d", len(secret))
	}
	ikm := []byte(secret)
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == 32 {
		ikm = raw
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Codec{gcm: gcm}, nil
}

// Encrypt returns hex(nonce || ciphertext).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Codec) Decrypt(encoded string) (string, error) {
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	n := c.gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
