package realtime

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// checkTokenExpiry rejects a JWT whose exp claim is before now. The
// signature is not verified; the server does that on join. Tokens that
// are not JWTs, or carry no exp, pass unchanged.
func checkTokenExpiry(token string, now time.Time) error {
	if token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	if !exp.After(now) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}
