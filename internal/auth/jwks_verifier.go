package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/promptmesh/api/internal/config"
)

const discoveryTimeout = 30 * time.Second

// TokenVerifier validates bearer tokens from the identity provider.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims carries the OIDC claims a verified Zitadel token yields.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates RS256 tokens against the issuer's published key
// set, discovered through OIDC at startup and refreshed by keyfunc.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier resolves the issuer's JWKS endpoint and builds a verifier
// bound to it. The audience check is enabled only when a client id is set.
func NewJWKSVerifier(cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("zitadel issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	endpoint, err := lookupJWKSEndpoint(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("jwks discovery: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{endpoint})
	if err != nil {
		return nil, fmt.Errorf("jwks keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   cfg.Issuer,
		audience: cfg.ClientID,
	}, nil
}

// lookupJWKSEndpoint reads jwks_uri out of the issuer's OIDC discovery
// document.
func lookupJWKSEndpoint(ctx context.Context, issuer string) (string, error) {
	url := issuer + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: discoveryTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Validate parses and verifies a token, returning its claims.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token rejected: invalid claims")
	}
	return claims, nil
}

// Close releases verifier resources. keyfunc manages its own refresh
// goroutine, so there is nothing to tear down today.
func (v *JWKSVerifier) Close() error {
	return nil
}
