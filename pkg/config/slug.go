package config

import "strings"

// Slug encoding for endpoint URL paths used as route parameters in the
// config API. Internal slashes become "-slash-", a trailing slash becomes
// a trailing "-slash" marker, and the empty path maps to "empty".

const (
	slashToken   = "-slash-"
	slashTrailer = "-slash"
	emptySlug    = "empty"
)

// PathToSlug encodes an endpoint URL path as a URL-safe slug.
func PathToSlug(path string) string {
	if path == "" {
		return emptySlug
	}
	trailing := strings.HasSuffix(path, "/") && path != "/"
	p := strings.TrimPrefix(path, "/")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "/", slashToken)
	if trailing || path == "/" {
		p += slashTrailer
	}
	return p
}

// SlugToPath decodes a slug produced by PathToSlug. The two functions
// round-trip for every path of the form ^/[A-Za-z0-9_/-]*$.
func SlugToPath(slug string) string {
	if slug == emptySlug {
		return ""
	}
	trailing := false
	if strings.HasSuffix(slug, slashTrailer) && !strings.HasSuffix(slug, slashToken) {
		trailing = true
		slug = strings.TrimSuffix(slug, slashTrailer)
	}
	path := "/" + strings.ReplaceAll(slug, slashToken, "/")
	if trailing && path != "/" {
		path += "/"
	}
	return path
}
