// Package vault encrypts provider secrets at rest.
//
// Ciphertexts are AES-256-GCM envelopes of the form
//
//	base64url(iv) "." base64url(tag) "." base64url(ciphertext)
//
// with the key derived as SHA-256 of the configured key material.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"posplatform/internal/common/apperror"
)

const (
	ivSize  = 12
	tagSize = 16
)

// ErrAuthentication is returned when an envelope fails GCM authentication
// (wrong key or tampered ciphertext).
var ErrAuthentication = errors.New("secret envelope failed authentication")

// Config holds vault configuration
type Config struct {
	Key string `envconfig:"CREDENTIAL_VAULT_KEY"`
}

// Vault encrypts and decrypts secret envelopes.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the cipher key from keyMaterial. An empty key is a
// configuration error.
func New(keyMaterial string) (*Vault, error) {
	if strings.TrimSpace(keyMaterial) == "" {
		return nil, apperror.Validation("credential vault key is not configured")
	}

	key := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt seals plaintext with a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := v.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{encode(iv), encode(tag), encode(ct)}, "."), nil
}

// Decrypt opens an envelope produced by Encrypt. Structurally malformed
// envelopes are rejected with a validation error before any cryptography.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", apperror.Validation("malformed secret envelope: expected iv.tag.ciphertext")
	}

	iv, err := decode(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", apperror.Validation("malformed secret envelope: bad iv")
	}
	tag, err := decode(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", apperror.Validation("malformed secret envelope: bad auth tag")
	}
	ct, err := decode(parts[2])
	if err != nil {
		return "", apperror.Validation("malformed secret envelope: bad ciphertext")
	}

	plaintext, err := v.gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plaintext), nil
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// decode accepts both padded and unpadded base64url.
func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
