// Package secrets encrypts values at rest with AES-256-GCM.
//
// Persisted values are base64(nonce || tag || ciphertext) with a 12-byte
// nonce and a 16-byte tag.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	maskChar = "•"
)

var (
	ErrMissingKey           = errors.New("encryption key is missing")
	ErrMalformedKey         = errors.New("encryption key must be exactly 64 hex characters (32 bytes)")
	ErrEmptyValue           = errors.New("value cannot be empty")
	ErrInvalidPayload       = errors.New("encrypted payload is invalid")
	ErrAuthenticationFailed = errors.New("encrypted payload failed authentication")
)

// Box holds the process master key. Build one at startup and pass it to
// the components that need it.
type Box struct {
	aead cipher.AEAD
}

// New parses a 64 character hex key.
func New(keyHex string) (*Box, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, ErrMissingKey
	}
	if len(keyHex) != keySize*2 {
		return nil, ErrMalformedKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrMalformedKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals the trimmed plaintext under a fresh random nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	value := strings.TrimSpace(plaintext)
	if value == "" {
		return "", ErrEmptyValue
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal returns ciphertext || tag; the stored layout puts the tag first.
	sealed := b.aead.Seal(nil, nonce, []byte(value), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Failures never include key or payload bytes.
func (b *Box) Decrypt(encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(payload) <= nonceSize+tagSize {
		return "", ErrInvalidPayload
	}

	nonce := payload[:nonceSize]
	tag := payload[nonceSize : nonceSize+tagSize]
	ct := payload[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	if len(plain) == 0 {
		return "", ErrEmptyValue
	}
	return string(plain), nil
}

// MaskWebhookSecret shows only the last four characters. At least eight
// mask characters are emitted so short secrets do not reveal their length.
func MaskWebhookSecret(plaintext string) string {
	value := []rune(strings.TrimSpace(plaintext))
	if len(value) <= 4 {
		return strings.Repeat(maskChar, len(value))
	}
	return strings.Repeat(maskChar, max(8, len(value)-4)) + string(value[len(value)-4:])
}

// MaskLoyaltyNumber keeps the two-character program prefix for numbers of
// seven or more characters, plus the last four.
func MaskLoyaltyNumber(plaintext string) string {
	value := []rune(strings.TrimSpace(plaintext))
	if len(value) <= 4 {
		return strings.Repeat(maskChar, len(value))
	}

	prefixLen := 0
	if len(value) >= 7 {
		prefixLen = 2
	}
	masked := len(value) - prefixLen - 4
	return string(value[:prefixLen]) + strings.Repeat(maskChar, masked) + string(value[len(value)-4:])
}

func (b *Box) EncryptLoyaltyNumber(plaintext string) (string, error) {
	out, err := b.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt loyalty number: %w", err)
	}
	return out, nil
}

func (b *Box) DecryptLoyaltyNumber(encoded string) (string, error) {
	out, err := b.Decrypt(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt loyalty number: %w", err)
	}
	return out, nil
}

// GenerateWebhookSecret returns a random signing secret for registrations
// that did not supply one.
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
