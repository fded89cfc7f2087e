// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watchedRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()

	descriptor := "url-path: /customers\nmethod: GET\nconnection: [main]\ntemplate: SELECT 1\n"
	path := filepath.Join(root, "customers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(descriptor), 0o600))

	project := &Project{
		Name:        "watch-test",
		Template:    TemplateSettings{Path: root},
		Connections: map[string]Connection{"main": {}},
	}
	loader, err := NewLoader(project)
	require.NoError(t, err)
	endpoints, errs := loader.LoadEndpoints()
	require.Empty(t, errs)
	reg, err := NewRegistry(project, loader, endpoints)
	require.NoError(t, err)

	w, err := NewWatcher(reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return reg, root
}

func TestWatcherReloadsChangedDescriptor(t *testing.T) {
	reg, root := watchedRegistry(t)

	updated := "url-path: /customers\nmethod: GET\nconnection: [main]\ntemplate: SELECT 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "customers.yaml"), []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		ep := reg.Snapshot().BySlug("customers")
		return ep != nil && ep.Template == "SELECT 2"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherPicksUpNewDescriptor(t *testing.T) {
	reg, root := watchedRegistry(t)

	descriptor := "url-path: /orders\nmethod: GET\nconnection: [main]\ntemplate: SELECT 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "orders.yaml"), []byte(descriptor), 0o600))

	require.Eventually(t, func() bool {
		return reg.Snapshot().BySlug("orders") != nil
	}, 5*time.Second, 50*time.Millisecond)

	// The original route is untouched.
	assert.NotNil(t, reg.Snapshot().BySlug("customers"))
}
