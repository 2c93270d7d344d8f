package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNoSigningSecret is returned when signature checks are requested without a secret.
var ErrNoSigningSecret = errors.New("webhook signing secret is not configured")

// Sign returns hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:"))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the expected hex digest exactly.
func VerifySignature(secret, timestamp, signature string, body []byte) (bool, error) {
	if secret == "" {
		return false, ErrNoSigningSecret
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(signature), []byte(expected)), nil
}
