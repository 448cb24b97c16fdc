package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the X-Webhook-Signature value for payload: "sha256=" followed
// by the hex HMAC-SHA256 of the exact bytes sent.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header in constant time. Receivers can use it
// as a reference implementation.
func Verify(secret string, payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
