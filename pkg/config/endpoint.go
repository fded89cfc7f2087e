package config

import (
	"fmt"
	"strings"
)

// Parameter locations
const (
	InQuery  = "query"
	InPath   = "path"
	InHeader = "header"
	InBody   = "body"
)

// Cache modes derived from the primary-key / cursor combination.
type CacheMode string

// Cache mode values
const (
	ModeFull             CacheMode = "full"
	ModeAppend           CacheMode = "append"
	ModeMerge            CacheMode = "merge"
	ModeIncrementalMerge CacheMode = "incremental-merge"
)

// Endpoint is a single declarative unit of exposure: a SQL template bound
// to a REST path and/or an MCP view.
type Endpoint struct {
	URLPath string `yaml:"url-path" json:"url-path,omitempty"`
	Method  string `yaml:"method" json:"method,omitempty"`

	Request []Parameter `yaml:"request" json:"request,omitempty"`

	TemplateSource string `yaml:"template-source" json:"template-source,omitempty"`
	Template       string `yaml:"template" json:"template,omitempty"`

	Connection []string `yaml:"connection" json:"connection,omitempty"`

	Cache     *CacheSpec       `yaml:"cache" json:"cache,omitempty"`
	Auth      *AuthConfig      `yaml:"auth" json:"auth,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate-limit" json:"rate-limit,omitempty"`
	Operation *Operation       `yaml:"operation" json:"operation,omitempty"`

	MCPTool     *MCPView `yaml:"mcp-tool" json:"mcp-tool,omitempty"`
	MCPResource *MCPView `yaml:"mcp-resource" json:"mcp-resource,omitempty"`
	MCPPrompt   *MCPView `yaml:"mcp-prompt" json:"mcp-prompt,omitempty"`

	// SourceFile is the descriptor path this endpoint was loaded from.
	SourceFile string `yaml:"-" json:"source-file,omitempty"`
}

// Parameter declares one request field and its validators.
type Parameter struct {
	FieldName   string      `yaml:"field-name" json:"field-name"`
	FieldIn     string      `yaml:"field-in" json:"field-in"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Required    bool        `yaml:"required" json:"required"`
	Default     *string     `yaml:"default" json:"default,omitempty"`
	Validators  []Validator `yaml:"validators" json:"validators,omitempty"`
}

// Validator is the tagged validator variant. Type selects which of the
// type-specific fields apply.
type Validator struct {
	Type string `yaml:"type" json:"type"` // int | string | enum | email | uuid | date | time | bool

	Min *float64 `yaml:"min" json:"min,omitempty"`
	Max *float64 `yaml:"max" json:"max,omitempty"`

	Regex string `yaml:"regex" json:"regex,omitempty"`

	AllowedValues []string `yaml:"allowed-values" json:"allowed-values,omitempty"`

	// SQL injection screening for string-typed fields.
	PreventSQLInjection bool `yaml:"preventSqlInjection" json:"preventSqlInjection,omitempty"`

	// MinDate / MaxDate bound date and time validators (inclusive).
	MinDate string `yaml:"min-date" json:"min-date,omitempty"`
	MaxDate string `yaml:"max-date" json:"max-date,omitempty"`
}

// CacheSpec configures the materialized cache table for an endpoint.
type CacheSpec struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Catalog string `yaml:"catalog" json:"catalog,omitempty"`
	Schema  string `yaml:"schema" json:"schema,omitempty"`
	Table   string `yaml:"table" json:"table"`

	Schedule        Duration `yaml:"schedule" json:"schedule,omitempty"`
	RefreshEndpoint bool     `yaml:"refresh-endpoint" json:"refresh-endpoint,omitempty"`
	TemplateFile    string   `yaml:"template-file" json:"template-file"`

	PrimaryKey []string     `yaml:"primary-key" json:"primary-key,omitempty"`
	Cursor     *CacheCursor `yaml:"cursor" json:"cursor,omitempty"`

	Retention RetentionSettings `yaml:"retention" json:"retention,omitempty"`
}

// CacheCursor identifies the incremental-refresh cursor column.
type CacheCursor struct {
	Column string `yaml:"column" json:"column"`
	Type   string `yaml:"type" json:"type,omitempty"`
}

// Mode derives the refresh mode from the primary-key and cursor
// configuration.
func (c *CacheSpec) Mode() CacheMode {
	hasPK := len(c.PrimaryKey) > 0
	hasCursor := c.Cursor != nil && c.Cursor.Column != ""
	switch {
	case hasPK && hasCursor:
		return ModeIncrementalMerge
	case hasPK:
		return ModeMerge
	case hasCursor:
		return ModeAppend
	default:
		return ModeFull
	}
}

// Operation hints how a write endpoint executes and responds.
type Operation struct {
	Type                string `yaml:"type" json:"type,omitempty"` // read | write
	Transaction         bool   `yaml:"transaction" json:"transaction,omitempty"`
	ValidateBeforeWrite bool   `yaml:"validate_before_write" json:"validate_before_write,omitempty"`
	ReturnsData         bool   `yaml:"returns_data" json:"returns_data,omitempty"`
}

// MCPView names the MCP projection of an endpoint.
type MCPView struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Template    string      `yaml:"template" json:"template,omitempty"`
	Arguments   []Parameter `yaml:"arguments" json:"arguments,omitempty"`
}

// IsWrite reports whether the endpoint executes as a write operation.
func (e *Endpoint) IsWrite() bool {
	if e.Operation != nil && e.Operation.Type == "write" {
		return true
	}
	switch strings.ToUpper(e.Method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// HTTPMethod returns the REST verb, defaulting to GET.
func (e *Endpoint) HTTPMethod() string {
	if e.Method == "" {
		return "GET"
	}
	return strings.ToUpper(e.Method)
}

// MCPName returns the MCP-facing name of the endpoint, if any.
func (e *Endpoint) MCPName() string {
	switch {
	case e.MCPTool != nil:
		return e.MCPTool.Name
	case e.MCPResource != nil:
		return e.MCPResource.Name
	case e.MCPPrompt != nil:
		return e.MCPPrompt.Name
	}
	return ""
}

// PrimaryConnection returns the first declared connection.
func (e *Endpoint) PrimaryConnection() string {
	if len(e.Connection) == 0 {
		return ""
	}
	return e.Connection[0]
}

// Validate checks structural invariants of the endpoint descriptor.
func (e *Endpoint) Validate() error {
	if e.URLPath == "" && e.MCPName() == "" {
		return fmt.Errorf("endpoint must declare url-path or an mcp-* view")
	}
	if e.Template == "" && e.TemplateSource == "" && e.MCPPrompt == nil {
		return fmt.Errorf("endpoint %s: template or template-source is required", e.describe())
	}
	if e.URLPath != "" && !strings.HasPrefix(e.URLPath, "/") {
		return fmt.Errorf("endpoint %s: url-path must start with /", e.URLPath)
	}

	seen := make(map[string]bool, len(e.Request))
	pathParams := e.pathParamNames()
	for i := range e.Request {
		p := &e.Request[i]
		if p.FieldName == "" {
			return fmt.Errorf("endpoint %s: parameter %d has no field-name", e.describe(), i)
		}
		if seen[p.FieldName] {
			return fmt.Errorf("endpoint %s: duplicate parameter %q", e.describe(), p.FieldName)
		}
		seen[p.FieldName] = true

		switch p.FieldIn {
		case "", InQuery, InHeader, InBody:
		case InPath:
			if !pathParams[p.FieldName] {
				return fmt.Errorf("endpoint %s: path parameter %q does not appear in url-path", e.describe(), p.FieldName)
			}
		default:
			return fmt.Errorf("endpoint %s: parameter %q has unknown location %q", e.describe(), p.FieldName, p.FieldIn)
		}

		for _, v := range p.Validators {
			if err := validateValidator(v); err != nil {
				return fmt.Errorf("endpoint %s: parameter %q: %w", e.describe(), p.FieldName, err)
			}
		}
	}

	if e.URLPath != "" && len(e.Connection) == 0 && e.MCPPrompt == nil {
		return fmt.Errorf("endpoint %s: at least one connection is required", e.describe())
	}

	if e.Cache != nil && e.Cache.Enabled {
		if e.Cache.Table == "" {
			return fmt.Errorf("endpoint %s: cache.table is required", e.describe())
		}
		if e.Cache.TemplateFile == "" {
			return fmt.Errorf("endpoint %s: cache.template-file is required", e.describe())
		}
	}
	return nil
}

func validateValidator(v Validator) error {
	switch v.Type {
	case "int", "string", "email", "uuid", "date", "time", "bool":
	case "enum":
		if len(v.AllowedValues) == 0 {
			return fmt.Errorf("enum validator requires allowed-values")
		}
	case "":
		return fmt.Errorf("validator missing type")
	default:
		return fmt.Errorf("unknown validator type %q", v.Type)
	}
	return nil
}

func (e *Endpoint) describe() string {
	if e.URLPath != "" {
		return e.URLPath
	}
	return e.MCPName()
}

// pathParamNames extracts :param segment names from the url-path.
func (e *Endpoint) pathParamNames() map[string]bool {
	out := make(map[string]bool)
	for _, seg := range strings.Split(e.URLPath, "/") {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			out[seg[1:]] = true
		}
	}
	return out
}

// DeclaredParam looks up a declared parameter by name.
func (e *Endpoint) DeclaredParam(name string) *Parameter {
	for i := range e.Request {
		if e.Request[i].FieldName == name {
			return &e.Request[i]
		}
	}
	return nil
}
