package template

import "strings"

// Context is the bounded set of scope objects a template may reference.
// Lookups use dotted paths rooted at a scope name: params.id, conn.path,
// context.user.roles, env.HOME, cache.table.
type Context struct {
	scopes map[string]any
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{scopes: make(map[string]any)}
}

// WithScope binds a scope object under the given name and returns the
// context for chaining.
func (c *Context) WithScope(name string, value any) *Context {
	c.scopes[name] = value
	return c
}

// Lookup resolves a dotted path. The second return is false when any
// path element is absent.
func (c *Context) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = c.scopes
	for _, part := range parts {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}
