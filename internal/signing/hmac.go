package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const sha256Prefix = "sha256="

// Sign returns the hex encoded HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the expected HMAC in constant time. A "sha256="
// prefix is accepted. An empty secret never verifies.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return false
	}

	sig := strings.ToLower(strings.TrimSpace(signature))
	sig = strings.TrimPrefix(sig, sha256Prefix)
	if sig == "" {
		return false
	}

	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(sig))
}
