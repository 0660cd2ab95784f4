// Package signing produces and verifies the HMAC attached to reservation
// responses, so the announced prize cannot be tampered with between reserve
// and finalize.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"prize-wheel-api/internal/models"
)

// Signer signs canonical reservation payloads with a keyed HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the configured secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// canonical serializes the fields a client could replay. Field order is
// fixed; signatures must be byte-stable across retries of the same key.
func canonical(res models.Reservation) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s",
		res.ID, res.IdempotencyKey, res.PrizeID, res.SectorIndex, res.Date)
}

// Sign returns the hex HMAC for a reservation.
func (s *Signer) Sign(res models.Reservation) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(res)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the reservation payload. Comparison is
// constant-time.
func (s *Signer) Verify(res models.Reservation, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(res)))
	return hmac.Equal(expected, mac.Sum(nil))
}
