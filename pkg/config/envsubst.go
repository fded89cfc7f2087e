package config

import (
	"os"
	"regexp"

	"github.com/flapi-io/flapi/pkg/logger"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvAllowlist decides which environment variable names may be
// substituted into configuration values and exposed to templates.
type EnvAllowlist struct {
	patterns []*regexp.Regexp
}

// NewEnvAllowlist compiles the whitelist patterns. Each pattern is an
// anchored regular expression over variable names.
func NewEnvAllowlist(patterns []string) (*EnvAllowlist, error) {
	out := &EnvAllowlist{}
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, err
		}
		out.patterns = append(out.patterns, re)
	}
	return out, nil
}

// Allows reports whether the variable name matches the whitelist.
func (a *EnvAllowlist) Allows(name string) bool {
	for _, re := range a.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Snapshot returns the allow-listed subset of the current environment,
// for binding as env.* in templates.
func (a *EnvAllowlist) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name, value := kv[:i], kv[i+1:]
				if a.Allows(name) {
					out[name] = value
				}
				break
			}
		}
	}
	return out
}

// Substitute replaces ${NAME} references with environment values for
// allow-listed names. Non-matching references are left literal and
// logged as warnings.
func (a *EnvAllowlist) Substitute(value string) string {
	return envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		if !a.Allows(name) {
			logger.Warnf("environment variable %s is not allow-listed; leaving reference literal", name)
			return ref
		}
		v, ok := os.LookupEnv(name)
		if !ok {
			logger.Warnf("environment variable %s is allow-listed but not set; leaving reference literal", name)
			return ref
		}
		return v
	})
}

// substituteTree applies Substitute to every string in a raw descriptor
// tree.
func (a *EnvAllowlist) substituteTree(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			n[k] = a.substituteTree(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = a.substituteTree(v)
		}
		return n
	case string:
		return a.Substitute(n)
	default:
		return node
	}
}
