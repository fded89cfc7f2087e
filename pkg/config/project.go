// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the flAPI project descriptor and the
// per-endpoint descriptors found under the template root. The loaded
// snapshot is immutable; live edits go through Registry.Reload which swaps
// entries atomically.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Project is the root descriptor parsed from the project YAML file.
type Project struct {
	Name        string `yaml:"project_name" mapstructure:"project_name" json:"project_name"`
	Description string `yaml:"project_description" mapstructure:"project_description" json:"project_description"`

	Template     TemplateSettings      `yaml:"template" mapstructure:"template" json:"template"`
	Connections  map[string]Connection `yaml:"connections" mapstructure:"connections" json:"connections"`
	Engine       EngineSettings        `yaml:"duckdb" mapstructure:"duckdb" json:"duckdb"`
	Catalog      CatalogSettings       `yaml:"ducklake" mapstructure:"ducklake" json:"ducklake"`
	EnforceHTTPS HTTPSSettings         `yaml:"enforce-https" mapstructure:"enforce-https" json:"enforce-https"`
	Heartbeat    HeartbeatSettings     `yaml:"heartbeat" mapstructure:"heartbeat" json:"heartbeat"`
	CORS         CORSSettings          `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Global defaults, overridable per endpoint.
	Auth      *AuthConfig      `yaml:"auth" mapstructure:"auth" json:"auth,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate-limit" mapstructure:"rate-limit" json:"rate-limit,omitempty"`

	// Timeout bounds each request end to end.
	Timeout Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// Path the project file was loaded from; template paths resolve
	// relative to its directory.
	baseDir string
}

// TemplateSettings locates the template root and bounds which environment
// variables user templates may see.
type TemplateSettings struct {
	Path                 string   `yaml:"path" mapstructure:"path" json:"path"`
	EnvironmentWhitelist []string `yaml:"environment-whitelist" mapstructure:"environment-whitelist" json:"environment-whitelist"`
}

// Connection is a named data-source binding registered with the engine.
type Connection struct {
	Init          string            `yaml:"init" mapstructure:"init" json:"init,omitempty"`
	Properties    map[string]string `yaml:"properties" mapstructure:"properties" json:"properties,omitempty"`
	LogQueries    bool              `yaml:"log-queries" mapstructure:"log-queries" json:"log-queries"`
	LogParameters bool              `yaml:"log-parameters" mapstructure:"log-parameters" json:"log-parameters"`
	Allow         string            `yaml:"allow" mapstructure:"allow" json:"allow,omitempty"`
}

// EngineSettings is the generic settings bag for the embedded engine.
// Known keys are typed; everything else lands in Extra and is passed to
// the engine as-is.
type EngineSettings struct {
	DBPath       string            `yaml:"db_path" mapstructure:"db_path" json:"db_path,omitempty"`
	AccessMode   string            `yaml:"access_mode" mapstructure:"access_mode" json:"access_mode,omitempty"`
	Threads      int               `yaml:"threads" mapstructure:"threads" json:"threads,omitempty"`
	MaxMemory    string            `yaml:"max_memory" mapstructure:"max_memory" json:"max_memory,omitempty"`
	DefaultOrder string            `yaml:"default_order" mapstructure:"default_order" json:"default_order,omitempty"`
	Extra        map[string]string `yaml:",inline" mapstructure:",remain" json:"extra,omitempty"`
}

// CatalogSettings configures the versioned storage catalog used for
// cache tables.
type CatalogSettings struct {
	Enabled      bool              `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Alias        string            `yaml:"alias" mapstructure:"alias" json:"alias,omitempty"`
	MetadataPath string            `yaml:"metadata-path" mapstructure:"metadata-path" json:"metadata-path,omitempty"`
	DataPath     string            `yaml:"data-path" mapstructure:"data-path" json:"data-path,omitempty"`
	Retention    RetentionSettings `yaml:"retention" mapstructure:"retention" json:"retention"`
	Scheduler    CatalogScheduler  `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`
}

// CatalogScheduler controls the catalog-level retention sweep.
type CatalogScheduler struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	ScanInterval Duration `yaml:"scan-interval" mapstructure:"scan-interval" json:"scan-interval"`
}

// RetentionSettings bounds how many snapshots are kept per cache table.
type RetentionSettings struct {
	KeepLastSnapshots int      `yaml:"keep-last-snapshots" mapstructure:"keep-last-snapshots" json:"keep-last-snapshots,omitempty"`
	MaxSnapshotAge    Duration `yaml:"max-snapshot-age" mapstructure:"max-snapshot-age" json:"max-snapshot-age,omitempty"`
}

// HTTPSSettings enforces TLS on the public listener.
type HTTPSSettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	SSLCertFile string `yaml:"ssl-cert-file" mapstructure:"ssl-cert-file" json:"ssl-cert-file,omitempty"`
	SSLKeyFile  string `yaml:"ssl-key-file" mapstructure:"ssl-key-file" json:"ssl-key-file,omitempty"`
}

// CORSSettings controls cross-origin access to the HTTP surface. Empty
// origin/method/header lists fall back to permissive browser defaults.
type CORSSettings struct {
	Enabled          bool     `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed-origins" mapstructure:"allowed-origins" json:"allowed-origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed-methods" mapstructure:"allowed-methods" json:"allowed-methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed-headers" mapstructure:"allowed-headers" json:"allowed-headers,omitempty"`
	AllowCredentials bool     `yaml:"allow-credentials" mapstructure:"allow-credentials" json:"allow-credentials,omitempty"`
	MaxAgeSeconds    int      `yaml:"max-age-seconds" mapstructure:"max-age-seconds" json:"max-age-seconds,omitempty"`
}

// HeartbeatSettings drives the cache refresh scheduler.
type HeartbeatSettings struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	WorkerInterval Duration `yaml:"worker-interval" mapstructure:"worker-interval" json:"worker-interval"`
}

// AuthConfig selects an authentication scheme for an endpoint or as the
// project-wide default.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Type    string `yaml:"type" mapstructure:"type" json:"type"` // basic | bearer | none

	// Basic auth user table; loaded inline or from a secrets file.
	Users     []BasicUser `yaml:"users" mapstructure:"users" json:"-"`
	UsersFile string      `yaml:"users-file" mapstructure:"users-file" json:"users-file,omitempty"`

	// Bearer/JWT settings. Secret enables HMAC verification; JWKSURL
	// enables key-set verification. Exactly one should be set.
	Secret    string `yaml:"jwt-secret" mapstructure:"jwt-secret" json:"-"`
	JWKSURL   string `yaml:"jwks-url" mapstructure:"jwks-url" json:"jwks-url,omitempty"`
	Issuer    string `yaml:"jwt-issuer" mapstructure:"jwt-issuer" json:"jwt-issuer,omitempty"`
	Audience  string `yaml:"jwt-audience" mapstructure:"jwt-audience" json:"jwt-audience,omitempty"`
	RoleClaim string `yaml:"role-claim" mapstructure:"role-claim" json:"role-claim,omitempty"`

	// Roles required to call the endpoint; empty means any authenticated
	// principal.
	RequiredRoles []string `yaml:"required-roles" mapstructure:"required-roles" json:"required-roles,omitempty"`
}

// BasicUser is one row of the in-config basic auth user table.
type BasicUser struct {
	Username     string   `yaml:"username" mapstructure:"username" json:"username"`
	Password     string   `yaml:"password" mapstructure:"password" json:"-"`
	PasswordHash string   `yaml:"password-hash" mapstructure:"password-hash" json:"-"`
	Roles        []string `yaml:"roles" mapstructure:"roles" json:"roles,omitempty"`
}

// RateLimitConfig configures the per-principal limiter for an endpoint.
type RateLimitConfig struct {
	Enabled         bool           `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Strategy        string         `yaml:"strategy" mapstructure:"strategy" json:"strategy,omitempty"` // fixed-window (default) | token-bucket
	Max             int            `yaml:"max" mapstructure:"max" json:"max"`
	IntervalSeconds int            `yaml:"interval-seconds" mapstructure:"interval-seconds" json:"interval-seconds"`
	UserOverrides   map[string]int `yaml:"user-overrides" mapstructure:"user-overrides" json:"user-overrides,omitempty"`
}

// Interval returns the window length.
func (r *RateLimitConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// BaseDir returns the directory containing the project file.
func (p *Project) BaseDir() string {
	return p.baseDir
}

// TemplateRoot returns the absolute template root directory.
func (p *Project) TemplateRoot() string {
	if filepath.IsAbs(p.Template.Path) {
		return p.Template.Path
	}
	return filepath.Join(p.baseDir, p.Template.Path)
}

// RequestTimeout returns the per-request deadline, defaulting to 30s.
func (p *Project) RequestTimeout() time.Duration {
	if p.Timeout.Duration() <= 0 {
		return 30 * time.Second
	}
	return p.Timeout.Duration()
}

// LoadProject reads and validates the project file. Environment variables
// prefixed with FLAPI_ override scalar settings (FLAPI_DUCKDB_DB_PATH and
// the like), matching viper's key flattening.
func LoadProject(path string) (*Project, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading project file %s: %w", path, err)
	}

	// Decode via yaml.v3 rather than viper's mapstructure path so that
	// custom Duration unmarshalling and inline maps behave uniformly
	// with the endpoint descriptors. Viper still provides env overrides
	// for scalar engine settings below.
	raw, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("normalizing project settings: %w", err)
	}

	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing project file %s: %w", path, err)
	}
	p.baseDir = filepath.Dir(path)

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Project) validate() error {
	if p.Name == "" {
		return fmt.Errorf("project file: project_name is required")
	}
	if p.Template.Path == "" {
		return fmt.Errorf("project file: template.path is required")
	}
	for name, u := range p.Connections {
		if name == "" {
			return fmt.Errorf("project file: connection with empty name")
		}
		_ = u
	}
	if p.EnforceHTTPS.Enabled && (p.EnforceHTTPS.SSLCertFile == "" || p.EnforceHTTPS.SSLKeyFile == "") {
		return fmt.Errorf("project file: enforce-https requires ssl-cert-file and ssl-key-file")
	}
	if p.Heartbeat.Enabled && p.Heartbeat.WorkerInterval.Duration() <= 0 {
		p.Heartbeat.WorkerInterval = Duration(10 * time.Second)
	}
	return nil
}

// Redacted returns a copy of the project safe to serve from the config
// API: credential material is stripped via the json:"-" tags, and env
// derived connection property values are masked.
func (p *Project) Redacted() *Project {
	out := *p
	out.Connections = make(map[string]Connection, len(p.Connections))
	for name, c := range p.Connections {
		cc := c
		cc.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			if isSecretKey(k) {
				cc.Properties[k] = "[redacted]"
			} else {
				cc.Properties[k] = v
			}
		}
		out.Connections[name] = cc
	}
	return &out
}

func isSecretKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range []string{"password", "secret", "token", "key"} {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}
