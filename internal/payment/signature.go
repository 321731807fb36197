package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureScheme is the key of the current scheme inside a signature header.
const SignatureScheme = "v1"

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue renders a header in the k=v,k=v form.
func SignatureHeaderValue(secret string, body []byte) string {
	return SignatureScheme + "=" + ComputeSignature(secret, body)
}

// VerifySignature checks a comma-separated k=v header. Any v1 entry may match
// so secrets can be rotated while both are in flight.
func VerifySignature(secret string, body []byte, header string) bool {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(header) == "" {
		return false
	}
	expected := []byte(ComputeSignature(secret, body))
	matched := false
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(key) != SignatureScheme {
			continue
		}
		if hmac.Equal(expected, []byte(strings.TrimSpace(value))) {
			matched = true
		}
	}
	return matched
}
