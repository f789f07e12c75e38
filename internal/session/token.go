package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpired reports whether a persisted token is a JWT whose expiry has
// passed. The server's tokens are opaque to the client, but deployments that
// issue JWTs get their expiry honored at restore time, saving a doomed
// round trip. Tokens that are not JWTs, or JWTs without an exp claim, never
// report expired here; the server remains the authority.
func tokenExpired(token string, now time.Time) bool {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(now)
}
