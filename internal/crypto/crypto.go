// Package crypto seals provider credentials before they are written to the
// credential store. Every sealed value is bound to the row and column it was
// written for, so a ciphertext copied to another connection does not open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

const keySize = 32

// Columns that hold sealed tokens.
const (
	ColumnAccessToken  = "access_token"
	ColumnRefreshToken = "refresh_token"
)

var (
	ErrMissingKey         = errors.New("encryption key is required")
	ErrInvalidKey         = errors.New("encryption key must be 32 bytes for AES-256")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrInvalidBinding     = errors.New("connection id must be positive")
)

// Encryptor seals and opens secret values. associated is authenticated but not
// encrypted; Decrypt fails unless it is given the same bytes Encrypt was.
type Encryptor interface {
	Encrypt(plaintext string, associated []byte) (string, error)
	Decrypt(ciphertext string, associated []byte) (string, error)
}

// Binding is the associated data for a token stored in column of connection
// connectionID.
func Binding(connectionID int64, column string) []byte {
	b := make([]byte, 0, len("salla_connections//")+20+len(column))
	b = append(b, "salla_connections/"...)
	b = strconv.AppendInt(b, connectionID, 10)
	b = append(b, '/')
	return append(b, column...)
}

type gcmSealer struct {
	aead cipher.AEAD
}

// NewEncryptor creates an AES-256-GCM encryptor from a 32-byte key.
func NewEncryptor(key string) (Encryptor, error) {
	switch {
	case key == "":
		return nil, ErrMissingKey
	case len(key) != keySize:
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &gcmSealer{aead: aead}, nil
}

// Encrypt returns base64url(nonce || sealed plaintext).
func (g *gcmSealer) Encrypt(plaintext string, associated []byte) (string, error) {
	out := make([]byte, g.aead.NonceSize(), g.aead.NonceSize()+len(plaintext)+g.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = g.aead.Seal(out, out, []byte(plaintext), associated)
	return base64.URLEncoding.EncodeToString(out), nil
}

func (g *gcmSealer) Decrypt(ciphertext string, associated []byte) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	n := g.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := g.aead.Open(nil, raw[:n], raw[n:], associated)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealedTokens is a token pair ready to be written for one connection.
// RefreshToken is empty when no refresh token was given.
type SealedTokens struct {
	AccessToken  string
	RefreshToken string
}

func (s SealedTokens) HasRefreshToken() bool {
	return s.RefreshToken != ""
}

// SealTokens encrypts a token pair for connection connectionID.
func SealTokens(e Encryptor, connectionID int64, accessToken, refreshToken string) (SealedTokens, error) {
	if connectionID <= 0 {
		return SealedTokens{}, ErrInvalidBinding
	}

	var (
		sealed SealedTokens
		err    error
	)
	sealed.AccessToken, err = e.Encrypt(accessToken, Binding(connectionID, ColumnAccessToken))
	if err != nil {
		return SealedTokens{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if refreshToken != "" {
		sealed.RefreshToken, err = e.Encrypt(refreshToken, Binding(connectionID, ColumnRefreshToken))
		if err != nil {
			return SealedTokens{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return sealed, nil
}

// OpenTokens is the inverse of SealTokens. An empty sealed refresh token opens
// to an empty string.
func OpenTokens(e Encryptor, connectionID int64, sealed SealedTokens) (accessToken, refreshToken string, err error) {
	accessToken, err = e.Decrypt(sealed.AccessToken, Binding(connectionID, ColumnAccessToken))
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt access token for connection %d: %w", connectionID, err)
	}
	if sealed.RefreshToken == "" {
		return accessToken, "", nil
	}
	refreshToken, err = e.Decrypt(sealed.RefreshToken, Binding(connectionID, ColumnRefreshToken))
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt refresh token for connection %d: %w", connectionID, err)
	}
	return accessToken, refreshToken, nil
}
