// Package security provides token encryption at rest and input validation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	cipherVersion = "v1"
	// keySalt is fixed so the same secret derives the same key across restarts.
	keySalt = "options-dekho/broker-token"
)

// TokenCipher encrypts broker access tokens with AES-256-GCM. The key is
// derived once from a configured secret.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher derives the key from secret and prepares the AEAD.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("encryption secret must be at least 16 characters")
	}

	block, err := aes.NewCipher(deriveKey(secret, []byte(keySalt)))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &TokenCipher{aead: gcm}, nil
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// Encrypt returns "v1:" followed by base64(nonce || ciphertext).
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherVersion + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	version, payload, ok := strings.Cut(encoded, ":")
	if !ok || version != cipherVersion {
		return "", fmt.Errorf("unsupported ciphertext format")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(data) < NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}
