// Package webhook verifies and reconciles pull-request notifications from the
// git hosting provider.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag GitHub prepends to the hex digest.
const signaturePrefix = "sha256="

// VerifySignature checks an X-Hub-Signature-256 header against the raw
// request body using HMAC-SHA256 with the shared secret. Comparison is
// constant-time; a missing or malformed header is a mismatch.
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}

	received, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(received, mac.Sum(nil))
}
