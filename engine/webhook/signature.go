package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed by the subscriber's secret. Absent when the subscriber has no
	// secret configured.
	SignatureHeader = "X-Pubkeep-Signature"
	// EventHeader carries the event type of the delivery.
	EventHeader = "X-Pubkeep-Event"
	// DeliveryHeader carries the unique ID of the delivery attempt, which
	// is also the ID of its log row. Receivers can use it to deduplicate.
	DeliveryHeader = "X-Pubkeep-Delivery"
)

// Sign computes the hex HMAC-SHA256 of body under the subscriber secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig authenticates body under secret.
// Receivers use it to reject forged deliveries.
func VerifySignature(secret string, body []byte, sig string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
