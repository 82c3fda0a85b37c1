package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignEvent returns the HMAC-SHA256 of the published event bytes.
// If secret is empty, the event is left unsigned.
func SignEvent(data []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEvent checks the HMAC-SHA256 signature on event bytes.
// If secret is empty, verification is skipped (returns true).
// If the event has no signature but a secret is configured, returns false.
func VerifyEvent(data []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	expected := SignEvent(data, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
