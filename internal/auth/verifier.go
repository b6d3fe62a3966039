package auth

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates RS256 tokens issued by a Cognito user pool.
type Verifier struct {
	keys   *KeyCache
	issuer string
}

// NewVerifier builds a verifier for the given user pool.
func NewVerifier(keys *KeyCache, region, userPoolID string) *Verifier {
	return &Verifier{
		keys:   keys,
		issuer: fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID),
	}
}

// Validate checks signature, expiry, not-before, issued-at and issuer.
// Audience is deliberately not checked. It reports whether the token is
// valid along with the subject and username claims; every failure path
// returns (false, "", "").
func (v *Verifier) Validate(ctx context.Context, raw string) (bool, string, string) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		log.Printf("auth: token rejected: %v", err)
		return false, "", ""
	}
	if !token.Valid {
		return false, "", ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false, "", ""
	}
	if _, ok := claims["iat"]; !ok {
		log.Printf("auth: token rejected: missing iat claim")
		return false, "", ""
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if username == "" {
		username, _ = claims["cognito:username"].(string)
	}
	if username == "" {
		username = "unknown"
	}
	return true, sub, username
}
