// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates requests against the project's basic or
// bearer scheme and resolves the caller's identity and roles.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// Identity represents an authenticated principal.
type Identity struct {
	// Subject is the unique identifier of the principal: the basic auth
	// username, or the JWT 'sub' claim.
	Subject string

	// Name is the human-readable name, when available.
	Name string

	// Roles carries the principal's roles, from the user table or the
	// configured role claim.
	Roles []string

	// Claims preserves the JWT claims for downstream policy decisions.
	Claims map[string]any

	// Token is the presented credential. Redacted in String() and JSON
	// output so identities are safe to log.
	Token string

	// Scheme is the authentication scheme that admitted the principal
	// ("basic", "bearer" or "none").
	Scheme string
}

// String redacts the credential.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Scheme:%q}", i.Subject, i.Scheme)
}

// MarshalJSON redacts the credential during serialization.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	type safeIdentity struct {
		Subject string         `json:"subject"`
		Name    string         `json:"name,omitempty"`
		Roles   []string       `json:"roles,omitempty"`
		Claims  map[string]any `json:"claims,omitempty"`
		Token   string         `json:"token,omitempty"`
		Scheme  string         `json:"scheme"`
	}
	token := i.Token
	if token != "" {
		token = "REDACTED"
	}
	return json.Marshal(&safeIdentity{
		Subject: i.Subject,
		Name:    i.Name,
		Roles:   i.Roles,
		Claims:  i.Claims,
		Token:   token,
		Scheme:  i.Scheme,
	})
}

// HasRole reports whether the principal holds the given role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IdentityContextKey keys the Identity in the request context. An empty
// struct key cannot collide with keys from other packages.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context. A nil identity returns
// the context unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity set by the authenticator.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// Anonymous is the identity attached when authentication is disabled.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", Scheme: "none"}
}
