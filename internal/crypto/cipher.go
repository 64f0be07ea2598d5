// Package crypto holds the record cipher used for vault fields and the
// passphrase-based primitives used for encrypted exports.
//
// Record fields are sealed with AES-256-GCM under a per-record key. The
// stored layout is nonce (12 bytes) followed by ciphertext and tag, with no
// associated data. Blank input (empty or whitespace only) is passed through
// unencrypted in both directions.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	KeyIDLen  = 15
)

// GenerateKey returns a fresh 256-bit record key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HashString(s string) string {
	return Hash([]byte(s))
}

// KeyID names the key file for key. It is the first 15 hex characters of
// the key's SHA-256 digest, so it is stable for a given key.
func KeyID(key []byte) string {
	return Hash(key)[:KeyIDLen]
}

func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Encrypt seals plaintext under key. Blank plaintext is returned as-is.
func Encrypt(key []byte, plaintext string) ([]byte, error) {
	if IsBlank(plaintext) {
		return []byte(plaintext), nil
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce(NonceSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a value produced by Encrypt. A tag mismatch returns an error
// wrapping ErrAuthenticationFailed.
func Decrypt(key, ciphertext []byte) (string, error) {
	if IsBlank(string(ciphertext)) {
		return string(ciphertext), nil
	}
	if len(ciphertext) < NonceSize+TagSize {
		return "", fmt.Errorf("%w: ciphertext is %d bytes, need at least %d", ErrInvalidAEADInput, len(ciphertext), NonceSize+TagSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("construct aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("construct aes-gcm: %w", err)
	}
	return aead, nil
}
