// Package authtoken signs and verifies the bearer token carried on every
// Delegator→Executor HTTP call (spec §6 AUTH_FAILED), giving that error
// code a concrete mechanism instead of leaving it purely hypothetical.
package authtoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/estuary/awcp/protocol"
)

// Issuer mints and checks HMAC-signed tokens scoped to one delegation id.
// A zero-value secret disables auth entirely: Issue returns "" and Verify
// always succeeds, so a deployment that configures no shared secret sees
// no behavior change.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// New constructs an Issuer. ttl bounds how long an issued token remains
// acceptable.
func New(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret was configured.
func (i *Issuer) Enabled() bool { return i != nil && len(i.secret) > 0 }

// Issue mints a token scoped to delegationID.
func (i *Issuer) Issue(delegationID string) (string, error) {
	if !i.Enabled() {
		return "", nil
	}
	claims := jwt.MapClaims{
		"sub": delegationID,
		"exp": time.Now().Add(i.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify checks tokenString was issued by this Issuer for delegationID.
// Any signature, expiry, or subject mismatch is reported as
// protocol.CodeAuthFailed.
func (i *Issuer) Verify(tokenString, delegationID string) error {
	if !i.Enabled() {
		return nil
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return protocol.NewError(protocol.CodeAuthFailed, "invalid or expired bearer token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return protocol.NewError(protocol.CodeAuthFailed, "malformed token claims")
	}
	if sub, _ := claims["sub"].(string); sub != delegationID {
		return protocol.NewError(protocol.CodeAuthFailed, "token subject does not match delegation")
	}
	return nil
}
