package validation

import (
	"strings"
)

// Statement keywords screened when a string field opts into SQL
// injection prevention. The validator rejects rather than escapes; the
// template layer relies on this when interpolating user strings into
// quoted SQL literals.
var injectionKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "exec", "union", "grant", "revoke", "attach", "detach",
}

// screenSQLInjection reports whether the value carries SQL comment
// sequences, unbalanced quotes, statement terminators or screened
// keywords.
func screenSQLInjection(value string) (string, bool) {
	lower := strings.ToLower(value)

	if strings.Contains(lower, "--") || strings.Contains(lower, "/*") || strings.Contains(lower, "*/") {
		return "Value contains SQL comment sequence", true
	}
	if strings.Contains(lower, ";") {
		return "Value contains statement terminator", true
	}
	if strings.Count(value, "'")%2 != 0 || strings.Count(value, `"`)%2 != 0 {
		return "Value contains unbalanced quotes", true
	}
	for _, kw := range injectionKeywords {
		for _, token := range strings.FieldsFunc(lower, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
		}) {
			if token == kw {
				return "Value contains disallowed SQL keyword", true
			}
		}
	}
	return "", false
}
