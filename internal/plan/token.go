package plan

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenSigner mints and checks plan approval tokens. A token is
// "approve-{sig}-{rand}" where sig is an HMAC-SHA256 over
// (plan_id, created_by, expires_at) under a server-held key. The random
// suffix makes tokens unique even for identical inputs; verification is
// a constant-time comparison against the stored token, never a parse.
type TokenSigner struct {
	key []byte
}

func NewTokenSigner(key []byte) *TokenSigner {
	return &TokenSigner{key: key}
}

// Mint produces a fresh approval token bound to the plan's identity and
// expiry.
func (s *TokenSigner) Mint(planID, createdBy string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%s|%d", planID, createdBy, expiresAt.Unix())
	sig := hex.EncodeToString(mac.Sum(nil))[:20]
	return "approve-" + sig + "-" + randSuffix(8)
}

// Matches compares a supplied token against the stored one in constant
// time.
func (s *TokenSigner) Matches(supplied, stored string) bool {
	return supplied != "" && subtle.ConstantTimeCompare([]byte(supplied), []byte(stored)) == 1
}

// randSuffix returns n hex characters of cryptographic randomness.
func randSuffix(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic("plan: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)[:n]
}
