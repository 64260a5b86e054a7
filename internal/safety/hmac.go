package safety

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

const defaultMaxSkew = 5 * time.Minute

// Sign computes HMAC-SHA256 over timestampISO + "." + payload, hex-encoded.
func Sign(secret []byte, payload []byte, timestampISO string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampISO))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signatureHex against a freshly computed signature using a
// constant-time comparison, and rejects timestamps older or newer than
// maxSkew (default 5 minutes) relative to now. A zero maxSkew selects the
// default.
func Verify(secret []byte, payload []byte, signatureHex, timestampISO string, now time.Time, maxSkew time.Duration) error {
	if maxSkew == 0 {
		maxSkew = defaultMaxSkew
	}
	ts, err := time.Parse(time.RFC3339, timestampISO)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "unparseable timestamp", err)
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return apperr.New(apperr.InvalidInput, "signature timestamp is too old or too far in the future")
	}

	expected := Sign(secret, payload, timestampISO)
	if !constantTimeEqualHex(expected, signatureHex) {
		return apperr.New(apperr.InvalidInput, "signature mismatch")
	}
	return nil
}

// constantTimeEqualHex compares two hex strings without leaking timing on
// length mismatch: unequal lengths fail immediately (there is nothing
// secret in a length comparison), equal lengths are compared with
// crypto/subtle.
func constantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
