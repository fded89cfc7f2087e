package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
)

// Loader parses endpoint descriptors under the project's template root.
type Loader struct {
	project   *Project
	allowlist *EnvAllowlist
}

// NewLoader creates a Loader for the given project.
func NewLoader(project *Project) (*Loader, error) {
	allow, err := NewEnvAllowlist(project.Template.EnvironmentWhitelist)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid environment-whitelist pattern", err)
	}
	return &Loader{project: project, allowlist: allow}, nil
}

// Allowlist exposes the compiled environment whitelist for template
// binding.
func (l *Loader) Allowlist() *EnvAllowlist {
	return l.allowlist
}

// Load reads the project file and every endpoint descriptor beneath its
// template root, returning the immutable registry snapshot. Descriptor
// errors are collected so one bad file reports alongside the rest.
func Load(projectPath string) (*Project, *Registry, error) {
	project, err := LoadProject(projectPath)
	if err != nil {
		return nil, nil, errors.NewConfigurationError("loading project", err)
	}
	loader, err := NewLoader(project)
	if err != nil {
		return nil, nil, err
	}
	endpoints, errs := loader.LoadEndpoints()
	if len(errs) > 0 {
		for _, e := range errs {
			logger.Errorf("config: %v", e)
		}
		return nil, nil, errors.NewConfigurationError(
			fmt.Sprintf("%d endpoint descriptor(s) failed to load", len(errs)), errs[0])
	}
	reg, err := NewRegistry(project, loader, endpoints)
	if err != nil {
		return nil, nil, err
	}
	return project, reg, nil
}

// LoadEndpoints scans the template root recursively. Every YAML file that
// declares url-path or an mcp-* view is an endpoint descriptor; other
// YAML files are shared fragments and SQL files are templates, both left
// for resolution on demand.
func (l *Loader) LoadEndpoints() ([]*Endpoint, []error) {
	root := l.project.TemplateRoot()
	var endpoints []*Endpoint
	var errs []error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		ep, isEndpoint, err := l.LoadEndpointFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if isEndpoint {
			endpoints = append(endpoints, ep)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, errors.NewConfigurationError("scanning template root", walkErr))
	}
	return endpoints, errs
}

// LoadEndpointFile parses a single descriptor file. The second return is
// false when the file is a shared fragment rather than an endpoint.
func (l *Loader) LoadEndpointFile(path string) (*Endpoint, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("reading %s", path), err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("parsing %s", path), err)
	}
	if !isEndpointDoc(raw) {
		return nil, false, nil
	}

	expanded, err := expandIncludes(raw, path, map[string]bool{})
	if err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("resolving includes in %s", path), err)
	}
	expanded = l.allowlist.substituteTree(expanded)

	// Round-trip through YAML to decode the raw tree into the typed
	// descriptor with custom unmarshallers applied.
	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("normalizing %s", path), err)
	}
	var ep Endpoint
	if err := yaml.Unmarshal(normalized, &ep); err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("decoding %s", path), err)
	}
	ep.SourceFile = path

	if err := ep.Validate(); err != nil {
		return nil, false, errors.NewConfigurationError(fmt.Sprintf("%s: %v", path, err), nil)
	}
	for _, conn := range ep.Connection {
		if _, ok := l.project.Connections[conn]; !ok {
			return nil, false, errors.NewConfigurationError(
				fmt.Sprintf("%s: unknown connection %q", path, conn), nil)
		}
	}
	return &ep, true, nil
}

// ReadTemplate resolves a template path relative to the template root and
// returns its contents. Traversal outside the root is rejected.
func (l *Loader) ReadTemplate(rel string) (string, error) {
	root := l.project.TemplateRoot()
	full := filepath.Clean(filepath.Join(root, rel))
	if !strings.HasPrefix(full, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", errors.NewConfigurationError(
			fmt.Sprintf("template path %q escapes template root", rel), nil)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", errors.NewConfigurationError(fmt.Sprintf("reading template %s", rel), err)
	}
	return string(data), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func isEndpointDoc(raw map[string]any) bool {
	for _, key := range []string{"url-path", "mcp-tool", "mcp-resource", "mcp-prompt"} {
		if _, ok := raw[key]; ok {
			return true
		}
	}
	return false
}
