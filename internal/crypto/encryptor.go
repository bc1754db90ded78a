// Package crypto encrypts OAuth2 secrets before they are written to the
// shared token store, using AES-256-GCM with a PBKDF2-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"metering-gateway/internal/common/errors"
)

// Cipher turns secrets into storable strings and back.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenEncryptor implements Cipher with AES-256-GCM. Each call to Encrypt uses
// a fresh random nonce, so equal plaintexts give different ciphertexts.
//
// The encryptor is safe for concurrent use by multiple goroutines.
type TokenEncryptor struct {
	aead cipher.AEAD
}

// NewTokenEncryptor derives a 32-byte key from key with PBKDF2.
func NewTokenEncryptor(key string) (*TokenEncryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	salt := []byte("metering-gateway-token-store")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}

	return &TokenEncryptor{aead: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input stays empty.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt and fails on tampered or foreign ciphertexts.
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}

// Plaintext is the Cipher used when no encryption key is configured.
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Plaintext) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// NewCipher returns a TokenEncryptor for a non-empty key and Plaintext otherwise.
func NewCipher(key string) (Cipher, error) {
	if key == "" {
		return Plaintext{}, nil
	}
	return NewTokenEncryptor(key)
}
