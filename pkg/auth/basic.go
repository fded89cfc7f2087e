// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/flapi-io/flapi/pkg/config"
)

// BasicAuthenticator verifies HTTP basic credentials against the
// configured user table.
type BasicAuthenticator struct {
	users map[string]config.BasicUser
}

// NewBasicAuthenticator builds the user table from inline users plus an
// optional users file. Inline entries win on username collisions.
func NewBasicAuthenticator(cfg *config.AuthConfig, baseDir string) (*BasicAuthenticator, error) {
	users := make(map[string]config.BasicUser)

	if cfg.UsersFile != "" {
		fileUsers, err := loadUsersFile(cfg.UsersFile, baseDir)
		if err != nil {
			return nil, err
		}
		for _, u := range fileUsers {
			users[u.Username] = u
		}
	}
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("basic auth enabled but no users configured")
	}
	for name, u := range users {
		if u.Password == "" && u.PasswordHash == "" {
			return nil, fmt.Errorf("basic auth user %q has neither password nor password-hash", name)
		}
	}
	return &BasicAuthenticator{users: users}, nil
}

// Verify checks a username/password pair and returns the matched
// identity. Plaintext passwords compare in constant time; hashed entries
// verify with bcrypt.
func (b *BasicAuthenticator) Verify(username, password string) (*Identity, bool) {
	u, ok := b.users[username]
	if !ok {
		// Burn comparable time so missing users are not distinguishable
		// by response latency.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B1W4aPsaLRVmWqXjVgWm6nW0dW1u"), []byte(password))
		return nil, false
	}

	switch {
	case u.PasswordHash != "":
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return nil, false
		}
	default:
		if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
			return nil, false
		}
	}

	return &Identity{
		Subject: u.Username,
		Roles:   u.Roles,
		Scheme:  "basic",
	}, true
}

func loadUsersFile(path, baseDir string) ([]config.BasicUser, error) {
	if !strings.HasPrefix(path, "/") && baseDir != "" {
		path = baseDir + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var doc struct {
		Users []config.BasicUser `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing users file %s: %w", path, err)
	}
	return doc.Users, nil
}
