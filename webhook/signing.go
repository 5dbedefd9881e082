package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign computes the hex HMAC-SHA256 of body keyed by secret, ready to embed
// in the X-Fastband-Signature header as "sha256=<hex>" (spec §4.6.c).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify constant-time-compares a received X-Fastband-Signature header
// value against the signature Sign would produce for body and secret. This
// is what a webhook receiver would call; the dispatcher itself only signs.
func Verify(body []byte, secret, signatureHeader string) bool {
	expected := Sign(body, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHeader)) == 1
}
