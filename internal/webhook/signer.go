// Package webhook delivers event notifications to integrator endpoints
// from the durable webhook_jobs outbox. Delivery is at-least-once: the
// terminal transition is idempotent on our side, and integrators are
// expected to deduplicate on the delivery ID.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the payload signature sent in X-MailPulse-Signature.
// Format: "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body. Exported
// for integrator SDK-style usage and tests; comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
