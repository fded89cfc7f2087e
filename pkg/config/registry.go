package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
)

// Registry maps routes and MCP names to endpoints. The active snapshot
// is swapped atomically; in-flight requests keep the snapshot they
// captured at entry.
type Registry struct {
	current atomic.Pointer[Snapshot]
	loader  *Loader

	// reloadMu serializes writers (Reload, Upsert, Remove); readers
	// never block.
	reloadMu sync.Mutex
}

// Snapshot is one immutable generation of the endpoint registry.
type Snapshot struct {
	Project   *Project
	Endpoints []*Endpoint

	routes []routeEntry
	byMCP  map[string]*Endpoint
	bySlug map[string]*Endpoint
}

type routeEntry struct {
	method   string
	segments []routeSegment
	endpoint *Endpoint
}

type routeSegment struct {
	literal string
	param   string
}

// NewRegistry builds a registry from loaded endpoints, detecting route
// conflicts up front.
func NewRegistry(project *Project, loader *Loader, endpoints []*Endpoint) (*Registry, error) {
	snap, err := buildSnapshot(project, endpoints)
	if err != nil {
		return nil, err
	}
	r := &Registry{loader: loader}
	r.current.Store(snap)
	return r, nil
}

// Loader returns the loader this registry reloads descriptors with.
func (r *Registry) Loader() *Loader {
	return r.loader
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload re-parses a single descriptor file and atomically swaps the
// matching entry. On error the previous entry is retained.
func (r *Registry) Reload(path string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	ep, isEndpoint, err := r.loader.LoadEndpointFile(path)
	if err != nil {
		logger.Errorf("reload of %s failed, keeping previous entry: %v", path, err)
		return err
	}
	if !isEndpoint {
		return nil
	}

	old := r.current.Load()
	next := make([]*Endpoint, 0, len(old.Endpoints)+1)
	replaced := false
	for _, e := range old.Endpoints {
		if e.SourceFile == path {
			next = append(next, ep)
			replaced = true
		} else {
			next = append(next, e)
		}
	}
	if !replaced {
		next = append(next, ep)
	}

	snap, err := buildSnapshot(old.Project, next)
	if err != nil {
		logger.Errorf("reload of %s produced an invalid registry, keeping previous: %v", path, err)
		return err
	}
	r.current.Store(snap)
	logger.Infof("reloaded endpoint descriptor %s", path)
	return nil
}

// Upsert inserts or replaces an endpoint by URL path. Used by the
// live-edit API.
func (r *Registry) Upsert(ep *Endpoint) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if err := ep.Validate(); err != nil {
		return errors.NewConfigurationError(err.Error(), nil)
	}
	old := r.current.Load()
	next := make([]*Endpoint, 0, len(old.Endpoints)+1)
	for _, e := range old.Endpoints {
		if e.URLPath != "" && e.URLPath == ep.URLPath {
			continue
		}
		next = append(next, e)
	}
	next = append(next, ep)

	snap, err := buildSnapshot(old.Project, next)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}

// Remove deletes the endpoint identified by slug. Returns false when no
// such endpoint exists.
func (r *Registry) Remove(slug string) (bool, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	old := r.current.Load()
	target := old.BySlug(slug)
	if target == nil {
		return false, nil
	}
	next := make([]*Endpoint, 0, len(old.Endpoints))
	for _, e := range old.Endpoints {
		if e != target {
			next = append(next, e)
		}
	}
	snap, err := buildSnapshot(old.Project, next)
	if err != nil {
		return false, err
	}
	r.current.Store(snap)
	return true, nil
}

func buildSnapshot(project *Project, endpoints []*Endpoint) (*Snapshot, error) {
	snap := &Snapshot{
		Project:   project,
		Endpoints: endpoints,
		byMCP:     make(map[string]*Endpoint),
		bySlug:    make(map[string]*Endpoint),
	}
	seenRoutes := make(map[string]string)
	for _, ep := range endpoints {
		if ep.URLPath != "" {
			key := ep.HTTPMethod() + " " + normalizePath(ep.URLPath)
			if prev, dup := seenRoutes[key]; dup {
				return nil, errors.NewConfigurationError(
					fmt.Sprintf("route conflict: %s declared by both %s and %s", key, prev, ep.SourceFile), nil)
			}
			seenRoutes[key] = ep.SourceFile
			snap.routes = append(snap.routes, routeEntry{
				method:   ep.HTTPMethod(),
				segments: splitRoute(ep.URLPath),
				endpoint: ep,
			})
			snap.bySlug[PathToSlug(ep.URLPath)] = ep
		}
		if name := ep.MCPName(); name != "" {
			if _, dup := snap.byMCP[name]; dup {
				return nil, errors.NewConfigurationError(
					fmt.Sprintf("duplicate MCP name %q", name), nil)
			}
			snap.byMCP[name] = ep
		}
	}
	return snap, nil
}

// Resolve matches a request method and path against the registered
// routes, extracting :param path segments. Literal segments outrank
// parameter segments so the most specific route wins.
func (s *Snapshot) Resolve(method, path string) (*Endpoint, map[string]string, bool) {
	segs := strings.Split(strings.Trim(normalizePath(path), "/"), "/")

	var best *routeEntry
	bestScore := -1
	var bestParams map[string]string

	for i := range s.routes {
		rt := &s.routes[i]
		if rt.method != method {
			continue
		}
		params, score, ok := matchSegments(rt.segments, segs)
		if ok && score > bestScore {
			best = rt
			bestScore = score
			bestParams = params
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best.endpoint, bestParams, true
}

// ByMCP looks up an endpoint by its MCP name.
func (s *Snapshot) ByMCP(name string) *Endpoint {
	return s.byMCP[name]
}

// BySlug looks up an endpoint by its URL path slug.
func (s *Snapshot) BySlug(slug string) *Endpoint {
	return s.bySlug[slug]
}

// CachedEndpoints returns every endpoint with an enabled cache.
func (s *Snapshot) CachedEndpoints() []*Endpoint {
	var out []*Endpoint
	for _, ep := range s.Endpoints {
		if ep.Cache != nil && ep.Cache.Enabled {
			out = append(out, ep)
		}
	}
	return out
}

func matchSegments(route []routeSegment, request []string) (map[string]string, int, bool) {
	if len(route) != len(request) {
		return nil, 0, false
	}
	params := make(map[string]string)
	score := 0
	for i, seg := range route {
		if seg.param != "" {
			params[seg.param] = request[i]
			continue
		}
		if seg.literal != request[i] {
			return nil, 0, false
		}
		score++
	}
	return params, score, true
}

func splitRoute(path string) []routeSegment {
	var out []routeSegment
	for _, raw := range strings.Split(strings.Trim(normalizePath(path), "/"), "/") {
		if strings.HasPrefix(raw, ":") && len(raw) > 1 {
			out = append(out, routeSegment{param: raw[1:]})
		} else {
			out = append(out, routeSegment{literal: raw})
		}
	}
	return out
}

// normalizePath makes matching trailing-slash insensitive.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
