package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SignaturePrefix precedes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Sign computes the delivery signature for a payload: the hex-encoded
// HMAC-SHA256 of the body under the subscription secret, prefixed with
// the scheme tag.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature for payload and compares it to
// the presented one in constant time. Both the full "sha256=<hex>" form
// and the bare hex digest are accepted.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, payload)
	if len(signature) == len(expected)-len(SignaturePrefix) {
		expected = expected[len(SignaturePrefix):]
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
