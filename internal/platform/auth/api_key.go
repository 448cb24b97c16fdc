package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	APIKeyPrefix = "tm_live_"
	displayLen   = len(APIKeyPrefix) + 4
)

// HashAPIKey returns the hex SHA-256 digest stored in place of the key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new raw key and the prefix shown in listings.
func GenerateAPIKey() (raw, prefix string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = APIKeyPrefix + hex.EncodeToString(buf)
	return raw, raw[:displayLen], nil
}
