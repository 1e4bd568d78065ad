// Package kms provides the AES-256-GCM encryption primitive for tenant
// secrets and OAuth tokens. Ciphertext, IV and auth tag are stored as three
// separate base64 fields so records can be audited without exposing key
// material.
package kms

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

var (
	// ErrInvalidKey is returned when the master key is not 32 bytes.
	ErrInvalidKey = errors.New("kms: master key must be 32 bytes")
	// ErrDecryptFailed is returned when authentication of a ciphertext fails.
	ErrDecryptFailed = errors.New("kms: decryption failed")
)

// Envelope carries one encrypted value at rest.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
}

// Box encrypts and decrypts with per-tenant subkeys derived from a single
// 32-byte master key. Derivation uses HKDF-SHA256 with the tenant id as
// info, so a leaked tenant subkey never exposes another tenant's data.
type Box struct {
	masterKey []byte
}

// NewBox validates the master key and returns a ready Box.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKey, len(masterKey))
	}
	key := make([]byte, 32)
	copy(key, masterKey)
	return &Box{masterKey: key}, nil
}

// Encrypt seals plaintext under the tenant's derived key.
func (b *Box) Encrypt(tenantID, plaintext string) (Envelope, error) {
	gcm, err := b.aead(tenantID)
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("kms: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), []byte(tenantID))
	// Seal appends the 16-byte GCM tag to the ciphertext.
	tagStart := len(sealed) - gcm.Overhead()

	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt opens an Envelope produced by Encrypt for the same tenant.
func (b *Box) Decrypt(tenantID string, env Envelope) (string, error) {
	gcm, err := b.aead(tenantID)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("kms: decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return "", fmt.Errorf("kms: decode auth tag: %w", err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", ErrDecryptFailed
	}

	pt, err := gcm.Open(nil, iv, append(ct, tag...), []byte(tenantID))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(pt), nil
}

func (b *Box) aead(tenantID string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, b.masterKey, nil, []byte("triops/tenant/"+tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}
