// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

// Authenticator resolves the caller identity for a request according to
// an endpoint's effective auth configuration.
type Authenticator struct {
	basic  *BasicAuthenticator
	bearer *JWTValidator
	scheme string
}

// New builds an authenticator from the effective config. A nil or
// disabled config yields a pass-through authenticator that attaches the
// anonymous identity.
func New(ctx context.Context, cfg *config.AuthConfig, baseDir string) (*Authenticator, error) {
	if cfg == nil || !cfg.Enabled || cfg.Type == "" || cfg.Type == "none" {
		return &Authenticator{scheme: "none"}, nil
	}

	switch cfg.Type {
	case "basic":
		basic, err := NewBasicAuthenticator(cfg, baseDir)
		if err != nil {
			return nil, errors.NewConfigurationError("basic auth", err)
		}
		return &Authenticator{basic: basic, scheme: "basic"}, nil

	case "bearer":
		bearer, err := NewJWTValidator(ctx, JWTValidatorConfig{
			Issuer:    cfg.Issuer,
			Audience:  cfg.Audience,
			RoleClaim: cfg.RoleClaim,
			Secret:    cfg.Secret,
			JWKSURL:   cfg.JWKSURL,
		})
		if err != nil {
			return nil, errors.NewConfigurationError("bearer auth", err)
		}
		return &Authenticator{bearer: bearer, scheme: "bearer"}, nil
	}
	return nil, errors.NewConfigurationError("unknown auth type "+cfg.Type, nil)
}

// Scheme reports the configured scheme ("none", "basic" or "bearer").
func (a *Authenticator) Scheme() string {
	return a.scheme
}

// Authenticate verifies the request credential and returns the caller
// identity. Failures map to authentication-category errors so the
// handler responds 401 with a WWW-Authenticate challenge.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, *errors.Error) {
	switch a.scheme {
	case "none":
		return Anonymous(), nil

	case "basic":
		username, password, ok := r.BasicAuth()
		if !ok {
			return nil, errors.NewAuthenticationError("Missing or malformed Authorization header", nil)
		}
		identity, ok := a.basic.Verify(username, password)
		if !ok {
			return nil, errors.NewAuthenticationError("Invalid username or password", nil)
		}
		return identity, nil

	case "bearer":
		header := r.Header.Get("Authorization")
		if header == "" {
			return nil, errors.NewAuthenticationError("Authorization header required", nil)
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, errors.NewAuthenticationError("Invalid Authorization header format", nil)
		}
		identity, err := a.bearer.ValidateToken(r.Context(), token)
		if err != nil {
			return nil, errors.NewAuthenticationError("Invalid token", err)
		}
		return identity, nil
	}
	return nil, errors.NewAuthenticationError("Unsupported authentication scheme", nil)
}

// Challenge returns the WWW-Authenticate header value for 401 responses.
func (a *Authenticator) Challenge() string {
	switch a.scheme {
	case "basic":
		return `Basic realm="flapi"`
	case "bearer":
		return "Bearer"
	}
	return ""
}

// Authorize enforces the endpoint's required roles against the identity.
func Authorize(identity *Identity, required []string) *errors.Error {
	if len(required) == 0 {
		return nil
	}
	for _, role := range required {
		if identity.HasRole(role) {
			return nil
		}
	}
	return errors.NewAuthorizationError("Insufficient role for this endpoint")
}
