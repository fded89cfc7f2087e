package errors

import (
	"regexp"
)

// Patterns that must never leak to clients inside Details. Connection
// strings and credential-looking key=value pairs are redacted wholesale.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)\s*=\s*\S+`),
	regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^@\s]+@\S+`),
}

// Sanitize removes credential and connection-string material from a
// message before it is surfaced as error details.
func Sanitize(msg string) string {
	for _, p := range sensitivePatterns {
		msg = p.ReplaceAllString(msg, "[redacted]")
	}
	return msg
}
