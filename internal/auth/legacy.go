package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims is the shape of the HMAC-signed tokens self-hosted
// deployments mint; identity lives in userId rather than sub.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken checks an HMAC-signed token against the shared
// secret. Asymmetric tokens belong to the JWKS verifier and are rejected
// here regardless of signature.
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	claims := &LegacyClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
