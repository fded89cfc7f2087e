// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWT validation errors.
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingKeySource = errors.New("bearer auth requires jwt-secret or jwks-url")
)

// JWTValidator validates bearer tokens against either a shared HMAC
// secret or a JWKS endpoint with auto-refreshing keys.
type JWTValidator struct {
	issuer    string
	audience  string
	roleClaim string

	secret  []byte
	jwksURL string
	keys    *jwk.Cache
}

// JWTValidatorConfig configures token verification.
type JWTValidatorConfig struct {
	Issuer    string
	Audience  string
	RoleClaim string

	// Secret enables HMAC verification; JWKSURL enables key-set
	// verification. Exactly one must be set.
	Secret  string
	JWKSURL string
}

// NewJWTValidator creates a validator. When a JWKS URL is configured the
// key set is fetched lazily and refreshed by the jwk cache.
func NewJWTValidator(ctx context.Context, cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, ErrMissingKeySource
	}
	if cfg.Secret != "" && cfg.JWKSURL != "" {
		return nil, fmt.Errorf("jwt-secret and jwks-url are mutually exclusive")
	}

	v := &JWTValidator{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		roleClaim: cfg.RoleClaim,
		secret:    []byte(cfg.Secret),
		jwksURL:   cfg.JWKSURL,
	}
	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("registering JWKS URL: %w", err)
		}
		v.keys = cache
	}
	return v, nil
}

// ValidateToken parses and verifies a bearer token and maps its claims
// to an identity.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return v.claimsToIdentity(claims, tokenString)
}

func (v *JWTValidator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if v.keys == nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}
	keySet, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}
	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("materializing key: %w", err)
	}
	return rawKey, nil
}

func (v *JWTValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != v.issuer {
			return ErrInvalidIssuer
		}
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// claimsToIdentity maps validated claims to an Identity. The 'sub' claim
// is required; roles come from the configured role claim.
func (v *JWTValidator) claimsToIdentity(claims jwt.MapClaims, token string) (*Identity, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim")
	}
	identity := &Identity{
		Subject: sub,
		Claims:  claims,
		Token:   token,
		Scheme:  "bearer",
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	identity.Roles = extractRoles(claims, v.roleClaim)
	return identity, nil
}

// extractRoles reads the role claim, accepting a string list, a single
// string, or a space-separated scope string.
func extractRoles(claims jwt.MapClaims, roleClaim string) []string {
	if roleClaim == "" {
		roleClaim = "roles"
	}
	raw, ok := claims[roleClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return strings.Fields(v)
	}
	return nil
}
