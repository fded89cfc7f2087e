// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProjectFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const projectYAML = `project_name: analytics
project_description: Customer analytics endpoints
template:
  path: endpoints
  environment-whitelist:
    - "FLAPI_PROJ_.*"
connections:
  main:
    properties:
      password: hunter2
      region: eu
    log-queries: true
duckdb:
  db_path: ":memory:"
  max_memory: 512MB
heartbeat:
  enabled: true
  worker-interval: 2s
timeout: 45s
`

func TestLoadProject(t *testing.T) {
	path := writeProjectFile(t, projectYAML)

	p, err := LoadProject(path)
	require.NoError(t, err)

	assert.Equal(t, "analytics", p.Name)
	assert.Equal(t, "Customer analytics endpoints", p.Description)
	assert.Equal(t, ":memory:", p.Engine.DBPath)
	assert.Equal(t, "512MB", p.Engine.MaxMemory)
	assert.True(t, p.Heartbeat.Enabled)
	assert.Equal(t, 2*time.Second, p.Heartbeat.WorkerInterval.Duration())
	assert.Equal(t, 45*time.Second, p.RequestTimeout())

	conn := p.Connections["main"]
	assert.True(t, conn.LogQueries)
	assert.Equal(t, "hunter2", conn.Properties["password"])

	// The template root resolves relative to the project file.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "endpoints"), p.TemplateRoot())
}

func TestLoadProjectEnvOverride(t *testing.T) {
	t.Setenv("FLAPI_DUCKDB_DB_PATH", "/var/lib/flapi/analytics.db")

	p, err := LoadProject(writeProjectFile(t, projectYAML))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/flapi/analytics.db", p.Engine.DBPath)
}

func TestLoadProjectRequiresName(t *testing.T) {
	_, err := LoadProject(writeProjectFile(t, "template:\n  path: endpoints\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_name")
}

func TestLoadProjectRequiresTemplatePath(t *testing.T) {
	_, err := LoadProject(writeProjectFile(t, "project_name: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template.path")
}

func TestLoadProjectEnforceHTTPSNeedsCertAndKey(t *testing.T) {
	body := "project_name: x\ntemplate:\n  path: endpoints\nenforce-https:\n  enabled: true\n"
	_, err := LoadProject(writeProjectFile(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enforce-https")
}

func TestRedactedMasksConnectionSecrets(t *testing.T) {
	p, err := LoadProject(writeProjectFile(t, projectYAML))
	require.NoError(t, err)

	red := p.Redacted()
	assert.NotEqual(t, "hunter2", red.Connections["main"].Properties["password"])
	assert.Equal(t, "eu", red.Connections["main"].Properties["region"])

	// The original is untouched.
	assert.Equal(t, "hunter2", p.Connections["main"].Properties["password"])
}

func TestRequestTimeoutDefault(t *testing.T) {
	p := &Project{}
	assert.Equal(t, 30*time.Second, p.RequestTimeout())
}
