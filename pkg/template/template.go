// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package template implements the bounded mustache-style expansion used
// for endpoint SQL templates.
//
// Supported forms: {{ var }}, {{{ var }}} (raw), {{#var}}...{{/var}}
// (truthy section), {{^var}}...{{/var}} (inverted section),
// {{! comment }} and {{> partial}}. Variables resolve against a Context
// of scope objects (params, conn, context, env, cache) by dotted path.
// Undefined variables expand to the empty string and evaluate as falsy
// in sections.
package template

import (
	"fmt"
	"strings"
)

// PartialResolver loads a named partial template. Implementations must
// confine resolution to the template root.
type PartialResolver func(name string) (string, error)

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeRawVar
	nodeSection
	nodeInverted
	nodePartial
)

type node struct {
	kind     nodeKind
	text     string // text content or variable/partial name
	children []node
}

// Template is a parsed template ready for repeated expansion.
type Template struct {
	nodes    []node
	partials PartialResolver
}

// Parse compiles the template source. A nil resolver disables partials.
func Parse(source string, partials PartialResolver) (*Template, error) {
	p := &parser{src: source}
	nodes, err := p.parseUntil("")
	if err != nil {
		return nil, err
	}
	return &Template{nodes: nodes, partials: partials}, nil
}

// Expand parses and renders in one step.
func Expand(source string, ctx *Context, partials PartialResolver) (string, error) {
	t, err := Parse(source, partials)
	if err != nil {
		return "", err
	}
	return t.Render(ctx)
}

// Render expands the template against the given context.
func (t *Template) Render(ctx *Context) (string, error) {
	var sb strings.Builder
	if err := renderNodes(&sb, t.nodes, ctx, t.partials, 0); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// maxPartialDepth bounds recursive partial inclusion.
const maxPartialDepth = 16

func renderNodes(sb *strings.Builder, nodes []node, ctx *Context, partials PartialResolver, depth int) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			sb.WriteString(n.text)

		case nodeVar, nodeRawVar:
			v, ok := ctx.Lookup(n.text)
			if !ok || v == nil {
				continue
			}
			sb.WriteString(stringify(v))

		case nodeSection:
			v, _ := ctx.Lookup(n.text)
			if !truthy(v) {
				continue
			}
			if err := renderNodes(sb, n.children, ctx, partials, depth); err != nil {
				return err
			}

		case nodeInverted:
			v, _ := ctx.Lookup(n.text)
			if truthy(v) {
				continue
			}
			if err := renderNodes(sb, n.children, ctx, partials, depth); err != nil {
				return err
			}

		case nodePartial:
			if partials == nil {
				return fmt.Errorf("partial %q used but no partial resolver configured", n.text)
			}
			if depth >= maxPartialDepth {
				return fmt.Errorf("partial nesting exceeds %d levels at %q", maxPartialDepth, n.text)
			}
			src, err := partials(n.text)
			if err != nil {
				return fmt.Errorf("resolving partial %q: %w", n.text, err)
			}
			sub, err := Parse(src, partials)
			if err != nil {
				return fmt.Errorf("parsing partial %q: %w", n.text, err)
			}
			if err := renderNodes(sb, sub.nodes, ctx, partials, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

type parser struct {
	src string
	pos int
}

// parseUntil consumes nodes until the closing tag for section (empty for
// top level) is found.
func (p *parser) parseUntil(section string) ([]node, error) {
	var nodes []node
	for p.pos < len(p.src) {
		open := strings.Index(p.src[p.pos:], "{{")
		if open < 0 {
			nodes = append(nodes, node{kind: nodeText, text: p.src[p.pos:]})
			p.pos = len(p.src)
			break
		}
		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: p.src[p.pos : p.pos+open]})
		}
		p.pos += open

		raw := strings.HasPrefix(p.src[p.pos:], "{{{")
		var tag string
		if raw {
			end := strings.Index(p.src[p.pos:], "}}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated {{{ at offset %d", p.pos)
			}
			tag = p.src[p.pos+3 : p.pos+end]
			p.pos += end + 3
		} else {
			end := strings.Index(p.src[p.pos:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated {{ at offset %d", p.pos)
			}
			tag = p.src[p.pos+2 : p.pos+end]
			p.pos += end + 2
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		if raw {
			nodes = append(nodes, node{kind: nodeRawVar, text: tag})
			continue
		}

		switch tag[0] {
		case '#':
			name := strings.TrimSpace(tag[1:])
			children, err := p.parseUntil(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node{kind: nodeSection, text: name, children: children})
		case '^':
			name := strings.TrimSpace(tag[1:])
			children, err := p.parseUntil(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node{kind: nodeInverted, text: name, children: children})
		case '/':
			name := strings.TrimSpace(tag[1:])
			if name != section {
				return nil, fmt.Errorf("unexpected closing tag {{/%s}}, open section is %q", name, section)
			}
			return nodes, nil
		case '!':
			// comment, dropped
		case '>':
			nodes = append(nodes, node{kind: nodePartial, text: strings.TrimSpace(tag[1:])})
		default:
			nodes = append(nodes, node{kind: nodeVar, text: tag})
		}
	}
	if section != "" {
		return nil, fmt.Errorf("unclosed section {{#%s}}", section)
	}
	return nodes, nil
}

// truthy implements section truthiness: non-empty string, non-zero
// number, true, non-empty list, or present object.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return true
	case map[string]string:
		return true
	default:
		return v != nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// Render integral floats without the trailing .0 so numeric SQL
		// contexts stay clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
