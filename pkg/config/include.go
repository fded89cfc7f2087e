package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// includeDirective matches the inclusion syntax
// {include:<section> from <relative-path>}. The section name may carry a
// variant suffix (auth-dev) selecting a named variant section.
var includeDirective = regexp.MustCompile(`^\{include:([A-Za-z0-9_-]+) from ([^}]+)\}$`)

// includeKey is the reserved map key that merges an included section into
// its enclosing map. Keys defined locally win over included ones.
const includeKey = "include"

// expandIncludes walks a raw descriptor tree and resolves include
// directives. basePath is the file the tree was parsed from; include
// paths resolve relative to it. visiting tracks the include chain for
// cycle detection.
func expandIncludes(node any, basePath string, visiting map[string]bool) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		// A reserved include key merges the target section into this
		// map, with local keys winning.
		if raw, ok := n[includeKey].(string); ok {
			if m := includeDirective.FindStringSubmatch(raw); m != nil {
				included, err := resolveInclude(m[1], m[2], basePath, visiting)
				if err != nil {
					return nil, err
				}
				delete(n, includeKey)
				includedMap, ok := included.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%s: included section %q is not a mapping", basePath, m[1])
				}
				// mergo without override: existing (local) keys win.
				if err := mergo.Merge(&n, includedMap); err != nil {
					return nil, fmt.Errorf("%s: merging included section %q: %w", basePath, m[1], err)
				}
			}
		}
		for k, v := range n {
			expanded, err := expandIncludes(v, basePath, visiting)
			if err != nil {
				return nil, err
			}
			n[k] = expanded
		}
		return n, nil

	case []any:
		for i, v := range n {
			expanded, err := expandIncludes(v, basePath, visiting)
			if err != nil {
				return nil, err
			}
			n[i] = expanded
		}
		return n, nil

	case string:
		if m := includeDirective.FindStringSubmatch(n); m != nil {
			return resolveInclude(m[1], m[2], basePath, visiting)
		}
		return n, nil

	default:
		return node, nil
	}
}

// resolveInclude loads the named top-level section from the target
// document, recursively expanding the target's own includes first.
func resolveInclude(section, relPath, basePath string, visiting map[string]bool) (any, error) {
	target := filepath.Join(filepath.Dir(basePath), relPath)
	target = filepath.Clean(target)

	key := target + "#" + section
	if visiting[key] {
		return nil, fmt.Errorf("%s: include cycle detected via %s#%s", basePath, target, section)
	}
	visiting[key] = true
	defer delete(visiting, key)

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("%s: include target: %w", basePath, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: parsing include target %s: %w", basePath, target, err)
	}

	sect, ok := doc[section]
	if !ok {
		return nil, fmt.Errorf("%s: section %q not found in %s", basePath, section, target)
	}
	return expandIncludes(sect, target, visiting)
}
