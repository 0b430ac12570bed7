package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the already-authenticated identity the gate checks permissions
// for. OIDC token validation is an excluded external collaborator; by the
// time a User reaches the gate its bearer token has already been verified
// upstream.
type User struct {
	Sub         string
	Email       string
	Role        string
	DeviceScope []string // empty means fleet-wide
}

// InScope reports whether deviceID is reachable by this user's scope.
func (u User) InScope(deviceID string) bool {
	if len(u.DeviceScope) == 0 {
		return true
	}
	for _, id := range u.DeviceScope {
		if id == deviceID {
			return true
		}
	}
	return false
}

// IdentityExtractor reads sub/email/role claims out of an already-verified
// bearer token. It never performs signature or issuer validation itself —
// that is the OIDC collaborator's job, out of scope for this core.
type IdentityExtractor struct {
	RoleClaim  string
	EmailClaim string
}

func NewIdentityExtractor() *IdentityExtractor {
	return &IdentityExtractor{RoleClaim: "role", EmailClaim: "email"}
}

// Extract parses the bearer token's claims without re-verifying its
// signature (the token reaching this call is assumed already validated).
func (x *IdentityExtractor) Extract(_ context.Context, rawToken string) (User, error) {
	tok, err := jwt.Parse([]byte(rawToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return User{}, fmt.Errorf("parsing bearer token: %w", err)
	}

	u := User{Sub: tok.Subject()}

	if v, ok := tok.Get(x.EmailClaim); ok {
		if s, ok := v.(string); ok {
			u.Email = s
		}
	}
	if v, ok := tok.Get(x.RoleClaim); ok {
		if s, ok := v.(string); ok {
			u.Role = s
		}
	}
	if v, ok := tok.Get("device_scope"); ok {
		if raw, ok := v.(string); ok && raw != "" {
			u.DeviceScope = strings.Split(raw, ",")
		} else if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					u.DeviceScope = append(u.DeviceScope, s)
				}
			}
		}
	}
	return u, nil
}
