// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package handler runs the request pipeline for user endpoints: route
// resolution, auth, rate limiting, validation, template expansion, query
// execution and response shaping. The same pipeline backs REST routes
// and MCP tool calls.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/flapi-io/flapi/pkg/auth"
	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/ratelimit"
	"github.com/flapi-io/flapi/pkg/telemetry"
	"github.com/flapi-io/flapi/pkg/template"
	"github.com/flapi-io/flapi/pkg/validation"
)

const (
	defaultLimit = 100
	maxLimit     = 10000

	maxBodyBytes = 1 << 20
)

// ReadResponse is the wire shape of a successful read.
type ReadResponse struct {
	Data       []engine.Row `json:"data"`
	Next       string       `json:"next"`
	TotalCount int64        `json:"total_count"`
}

// WriteResponse is the wire shape of a successful write.
type WriteResponse struct {
	RowsAffected int64        `json:"rows_affected"`
	LastInsertID *int64       `json:"last_insert_id,omitempty"`
	ReturnedData []engine.Row `json:"returned_data,omitempty"`
	Data         []engine.Row `json:"data,omitempty"`
}

// Pipeline executes user endpoints.
type Pipeline struct {
	registry *config.Registry
	eng      *engine.Engine
	caches   *cache.Manager
	metrics  *telemetry.Metrics

	// auths and limiters are built lazily, keyed by URL path so the maps
	// stay bounded across descriptor reloads. Each entry remembers the
	// config it was built from and is rebuilt when a live edit changes
	// it; an unchanged limiter keeps its counters across reloads.
	mu       sync.Mutex
	auths    map[string]authEntry
	limiters map[string]limiterEntry

	// counts coalesces identical COUNT(*) queries across concurrent
	// requests for the same page set.
	counts singleflight.Group

	// authCtx outlives individual requests; JWKS key caches refresh on
	// it in the background.
	authCtx context.Context
}

type authEntry struct {
	cfg  *config.AuthConfig
	auth *auth.Authenticator
}

type limiterEntry struct {
	cfg     *config.RateLimitConfig
	limiter ratelimit.Limiter
}

// New creates the pipeline. ctx bounds background credential refresh
// and should span the server's lifetime.
func New(ctx context.Context, registry *config.Registry, eng *engine.Engine, caches *cache.Manager, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		authCtx:  ctx,
		registry: registry,
		eng:      eng,
		caches:   caches,
		metrics:  metrics,
		auths:    make(map[string]authEntry),
		limiters: make(map[string]limiterEntry),
	}
}

// ServeHTTP resolves the route and runs the pipeline. Unknown routes get
// a NotFound error in the standard wire shape.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := p.registry.Snapshot()
	ep, pathParams, ok := snap.Resolve(r.Method, r.URL.Path)
	if !ok {
		if refreshEp, isRefresh := resolveRefreshRoute(snap, r); isRefresh {
			p.handleRefresh(w, r, snap, refreshEp)
			return
		}
		p.writeError(w, r, nil, errors.NewNotFoundError("No endpoint matches this path"))
		return
	}
	p.Handle(w, r, snap, ep, pathParams)
}

// resolveRefreshRoute matches POST <url-path>/refresh for endpoints that
// opted in with cache.refresh-endpoint.
func resolveRefreshRoute(snap *config.Snapshot, r *http.Request) (*config.Endpoint, bool) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/refresh") {
		return nil, false
	}
	base := strings.TrimSuffix(r.URL.Path, "/refresh")
	for _, ep := range snap.Endpoints {
		if ep.URLPath == base && ep.Cache != nil && ep.Cache.Enabled && ep.Cache.RefreshEndpoint {
			return ep, true
		}
	}
	return nil, false
}

// handleRefresh triggers a cache refresh through the endpoint's own auth
// gate. A refresh already in flight is joined, not queued behind.
func (p *Pipeline) handleRefresh(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, ep *config.Endpoint) {
	if _, authErr := p.authenticate(r, snap.Project, ep); authErr != nil {
		p.writeError(w, r, ep, authErr)
		return
	}
	if p.caches == nil {
		p.writeError(w, r, ep, errors.NewConfigurationError("Cache catalog is not enabled", nil))
		return
	}
	result, err := p.caches.Refresh(r.Context(), ep, "endpoint")
	if err != nil {
		p.writeError(w, r, ep, errors.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":  ep.URLPath,
		"mode":      string(result.Mode),
		"coalesced": result.Coalesced,
		"snapshot":  result.Snapshot,
	})
}

// Handle runs the pipeline for a resolved endpoint.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, ep *config.Endpoint, pathParams map[string]string) {
	started := time.Now()
	var status int

	defer func() {
		if rec := recover(); rec != nil {
			requestID := uuid.NewString()
			logger.Errorf("panic serving %s %s (request %s): %v", r.Method, r.URL.Path, requestID, rec)
			p.writeError(w, r, ep, errors.NewInternalError(requestID))
			status = http.StatusInternalServerError
		}
		if p.metrics != nil {
			p.metrics.RequestsTotal.WithLabelValues(ep.URLPath, strconv.Itoa(status)).Inc()
			p.metrics.RequestDuration.WithLabelValues(ep.URLPath).Observe(time.Since(started).Seconds())
		}
	}()

	identity, authErr := p.authenticate(r, snap.Project, ep)
	if authErr != nil {
		status = p.writeError(w, r, ep, authErr)
		return
	}

	if rlErr := p.rateLimit(r, snap.Project, ep, identity); rlErr != nil {
		if p.metrics != nil {
			p.metrics.RateLimited.WithLabelValues(ep.URLPath).Inc()
		}
		status = p.writeError(w, r, ep, rlErr)
		return
	}

	body, err := readBody(r)
	if err != nil {
		status = p.writeError(w, r, ep, errors.New(errors.CategoryValidation, "Request body too large or unreadable", err))
		return
	}
	in := validation.Input{
		Query:  r.URL.Query(),
		Path:   pathParams,
		Header: r.Header,
		Body:   body,
	}
	params, fieldErrs := validation.Validate(ep.Request, in)
	if len(fieldErrs) > 0 {
		status = p.writeError(w, r, ep, errors.NewValidationError(fieldErrs))
		return
	}

	page, pageErr := parsePage(r.URL.Query())
	if pageErr != nil {
		status = p.writeError(w, r, ep, pageErr)
		return
	}

	result, execErr := p.execute(r.Context(), snap, ep, params, identity, page)
	if execErr != nil {
		status = p.writeError(w, r, ep, execErr)
		return
	}
	status = http.StatusOK
	writeJSON(w, http.StatusOK, result)
}

// CallEndpoint runs the validate→expand→execute slice of the pipeline
// for an MCP tool or resource invocation. Arguments take the place of
// query parameters.
func (p *Pipeline) CallEndpoint(ctx context.Context, ep *config.Endpoint, args map[string]any) (any, *errors.Error) {
	snap := p.registry.Snapshot()

	params, vErr := p.validateArgs(ep, args)
	if vErr != nil {
		return nil, vErr
	}

	page := pagination{limit: defaultLimit}
	if raw, ok := args["limit"]; ok {
		if n, err := strconv.Atoi(stringifyArg(raw)); err == nil {
			page.limit = clampLimit(n)
		}
	}
	if raw, ok := args["offset"]; ok {
		if n, err := strconv.Atoi(stringifyArg(raw)); err == nil && n >= 0 {
			page.offset = n
		}
	}
	return p.execute(ctx, snap, ep, params, auth.Anonymous(), page)
}

// ExpandEndpoint validates the arguments and renders the endpoint's SQL
// without executing it, for dry-run previews.
func (p *Pipeline) ExpandEndpoint(ctx context.Context, ep *config.Endpoint, args map[string]any) (string, *errors.Error) {
	snap := p.registry.Snapshot()
	params, vErr := p.validateArgs(ep, args)
	if vErr != nil {
		return "", vErr
	}
	return p.expand(ctx, snap, ep, params, auth.Anonymous())
}

// validateArgs runs the endpoint's validators over a flat argument map.
// Arguments stand in for query parameters; body-declared parameters
// additionally read from a synthesized JSON body.
func (p *Pipeline) validateArgs(ep *config.Endpoint, args map[string]any) (map[string]any, *errors.Error) {
	bodyParams := make(map[string]bool)
	for i := range ep.Request {
		if ep.Request[i].FieldIn == config.InBody {
			bodyParams[ep.Request[i].FieldName] = true
		}
	}
	in := validation.Input{Query: map[string][]string{}, Path: map[string]string{}}
	bodyArgs := make(map[string]any)
	for name, value := range args {
		if bodyParams[name] {
			bodyArgs[name] = value
			continue
		}
		in.Query[name] = []string{stringifyArg(value)}
	}
	if len(bodyArgs) > 0 {
		if data, err := json.Marshal(bodyArgs); err == nil {
			in.Body = data
		}
	}
	params, fieldErrs := validation.Validate(ep.Request, in)
	if len(fieldErrs) > 0 {
		return nil, errors.NewValidationError(fieldErrs)
	}
	return params, nil
}

type pagination struct {
	limit  int
	offset int
}

// execute expands the endpoint template against the request context and
// runs the read or write path.
func (p *Pipeline) execute(ctx context.Context, snap *config.Snapshot, ep *config.Endpoint, params map[string]any, identity *auth.Identity, page pagination) (any, *errors.Error) {
	expanded, expErr := p.expand(ctx, snap, ep, params, identity)
	if expErr != nil {
		return nil, expErr
	}
	sqlText := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(expanded), ";"))
	if sqlText == "" {
		return nil, errors.NewConfigurationError("endpoint template expanded to an empty statement", nil)
	}

	if ep.IsWrite() {
		return p.executeWrite(ctx, ep, sqlText)
	}
	return p.executeRead(ctx, ep, sqlText, page)
}

func (p *Pipeline) executeRead(ctx context.Context, ep *config.Endpoint, sqlText string, page pagination) (*ReadResponse, *errors.Error) {
	// Fetch one row past the page to learn whether a next page exists.
	paged := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d OFFSET %d", sqlText, page.limit+1, page.offset)
	stream, err := p.eng.Execute(ctx, ep.PrimaryConnection(), paged, 0)
	if err != nil {
		return nil, errors.AsError(err)
	}
	defer stream.Close()

	rows, err := stream.Collect()
	if err != nil {
		return nil, errors.NewDatabaseError("reading result rows", err)
	}

	next := ""
	if len(rows) > page.limit {
		rows = rows[:page.limit]
		next = strconv.Itoa(page.offset + page.limit)
	}
	if rows == nil {
		rows = []engine.Row{}
	}

	total, err := p.totalCount(ctx, sqlText)
	if err != nil {
		return nil, errors.AsError(err)
	}
	return &ReadResponse{Data: rows, Next: next, TotalCount: total}, nil
}

// totalCount wraps the expanded query in a COUNT(*). Identical concurrent
// counts coalesce into one engine call.
func (p *Pipeline) totalCount(ctx context.Context, sqlText string) (int64, error) {
	v, err, _ := p.counts.Do(sqlText, func() (any, error) {
		val, err := p.eng.ExecuteScalar(ctx, fmt.Sprintf("SELECT COUNT(*) FROM (%s)", sqlText))
		if err != nil {
			return int64(0), err
		}
		return val.Int, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

var (
	returningRe  = regexp.MustCompile(`(?i)\bRETURNING\b`)
	insertIntoRe = regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+([A-Za-z_][A-Za-z0-9_.]*)`)
)

func (p *Pipeline) executeWrite(ctx context.Context, ep *config.Endpoint, sqlText string) (*WriteResponse, *errors.Error) {
	transactional := ep.Operation != nil && ep.Operation.Transaction
	returnsData := ep.Operation != nil && ep.Operation.ReturnsData

	resp := &WriteResponse{}
	txErr := p.eng.WithTransaction(ctx, transactional, func(q engine.Querier) error {
		if returningRe.MatchString(sqlText) {
			rows, err := p.eng.QueryRows(ctx, q, sqlText)
			if err != nil {
				return err
			}
			resp.RowsAffected = int64(len(rows))
			resp.ReturnedData = rows
			resp.Data = rows
			return nil
		}

		res, err := p.eng.ExecuteWrite(ctx, q, ep.PrimaryConnection(), sqlText)
		if err != nil {
			return err
		}
		resp.RowsAffected = res.RowsAffected
		if res.HasInsertID {
			id := res.LastInsertID
			resp.LastInsertID = &id

			// Without a RETURNING clause the inserted row is fetched by
			// rowid so create endpoints can echo it.
			if returnsData {
				if table := insertTarget(sqlText); table != "" {
					rows, err := p.eng.QueryRows(ctx, q,
						fmt.Sprintf("SELECT * FROM %s WHERE rowid = %d", table, res.LastInsertID))
					if err != nil {
						return err
					}
					resp.Data = rows
				}
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, errors.AsError(txErr)
	}
	return resp, nil
}

func insertTarget(sqlText string) string {
	m := insertIntoRe.FindStringSubmatch(sqlText)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// expand builds the request context and renders the endpoint template.
func (p *Pipeline) expand(ctx context.Context, snap *config.Snapshot, ep *config.Endpoint, params map[string]any, identity *auth.Identity) (string, *errors.Error) {
	loader := p.registry.Loader()

	source := ep.Template
	if source == "" && ep.TemplateSource != "" {
		var err error
		source, err = loader.ReadTemplate(ep.TemplateSource)
		if err != nil {
			return "", errors.AsError(err)
		}
	}

	userScope := map[string]any{}
	if identity != nil {
		userScope["id"] = identity.Subject
		userScope["name"] = identity.Name
		userScope["roles"] = identity.Roles
	}

	connScope := map[string]string{}
	if conn, ok := p.eng.Connection(ep.PrimaryConnection()); ok {
		connScope = conn.Properties
	}

	tmplCtx := template.NewContext().
		WithScope("params", params).
		WithScope("conn", connScope).
		WithScope("context", map[string]any{"user": userScope}).
		WithScope("env", loader.Allowlist().Snapshot())

	if ep.Cache != nil && ep.Cache.Enabled {
		cacheScope, cacheErr := p.cacheReadScope(ctx, ep)
		if cacheErr != nil {
			return "", cacheErr
		}
		tmplCtx = tmplCtx.WithScope("cache", cacheScope)
	}

	expanded, err := template.Expand(source, tmplCtx, loader.ReadTemplate)
	if err != nil {
		return "", errors.NewConfigurationError("expanding endpoint template", err)
	}
	return expanded, nil
}

// cacheReadScope binds cache.table to the latest committed snapshot's
// physical table. An endpoint with no committed snapshot is refreshed
// synchronously first.
func (p *Pipeline) cacheReadScope(ctx context.Context, ep *config.Endpoint) (map[string]any, *errors.Error) {
	if p.caches == nil {
		return nil, errors.NewConfigurationError("cache manager not configured", nil)
	}
	phys, snap, ok := p.caches.ReadView(ep)
	if !ok {
		if _, err := p.caches.Refresh(ctx, ep, "on-demand"); err != nil {
			return nil, errors.AsError(err)
		}
		phys, snap, ok = p.caches.ReadView(ep)
		if !ok {
			return nil, errors.NewDatabaseError("cache has no committed snapshot", nil)
		}
	}
	return map[string]any{
		"catalog":           ep.Cache.Catalog,
		"schema":            ep.Cache.Schema,
		"table":             phys,
		"mode":              string(ep.Cache.Mode()),
		"snapshotId":        snap.ID,
		"snapshotTimestamp": snap.CommittedAt.UTC().Format(time.RFC3339),
	}, nil
}

// authenticate applies the endpoint's auth block, falling back to the
// project default.
func (p *Pipeline) authenticate(r *http.Request, project *config.Project, ep *config.Endpoint) (*auth.Identity, *errors.Error) {
	cfg := ep.Auth
	if cfg == nil {
		cfg = project.Auth
	}
	a, err := p.authenticatorFor(ep, cfg, project.BaseDir())
	if err != nil {
		return nil, err
	}
	identity, authErr := a.Authenticate(r)
	if authErr != nil {
		return nil, authErr
	}
	if cfg != nil && cfg.Enabled {
		if roleErr := auth.Authorize(identity, cfg.RequiredRoles); roleErr != nil {
			return nil, roleErr
		}
	}
	return identity, nil
}

func (p *Pipeline) authenticatorFor(ep *config.Endpoint, cfg *config.AuthConfig, baseDir string) (*auth.Authenticator, *errors.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.auths[ep.URLPath]; ok && e.cfg == cfg {
		return e.auth, nil
	}
	a, err := auth.New(p.authCtx, cfg, baseDir)
	if err != nil {
		// Endpoint stays registered but unavailable: callers get 401
		// rather than the process crashing on a bad secrets source.
		logger.Errorf("auth setup for %s failed: %v", ep.URLPath, err)
		return nil, errors.NewAuthenticationError("Endpoint authentication unavailable", nil)
	}
	p.auths[ep.URLPath] = authEntry{cfg: cfg, auth: a}
	return a, nil
}

// rateLimit applies the endpoint's limiter, falling back to the project
// default. The principal is the authenticated subject, else client IP.
func (p *Pipeline) rateLimit(r *http.Request, project *config.Project, ep *config.Endpoint, identity *auth.Identity) *errors.Error {
	cfg := ep.RateLimit
	if cfg == nil {
		cfg = project.RateLimit
	}
	limiter := p.limiterFor(ep, cfg)
	if limiter == nil {
		return nil
	}

	principal := identity.Subject
	if principal == "" || principal == "anonymous" {
		principal = clientIP(r)
	}
	decision := limiter.Allow(principal)
	if decision.Allowed {
		return nil
	}
	rlErr := errors.NewRateLimitError("Rate limit exceeded")
	rlErr.Details = fmt.Sprintf("retry after %d seconds", int(decision.RetryAfter.Seconds())+1)
	return rlErr
}

func (p *Pipeline) limiterFor(ep *config.Endpoint, cfg *config.RateLimitConfig) ratelimit.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.limiters[ep.URLPath]; ok {
		if sameRateLimit(e.cfg, cfg) {
			return e.limiter
		}
		delete(p.limiters, ep.URLPath)
	}
	l := ratelimit.New(cfg)
	if l != nil {
		p.limiters[ep.URLPath] = limiterEntry{cfg: cfg, limiter: l}
	}
	return l
}

// sameRateLimit compares the fields the limiter was built from, so an
// unchanged descriptor reload keeps its window counters while an edited
// budget takes effect without a restart.
func sameRateLimit(a, b *config.RateLimitConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Enabled == b.Enabled &&
		a.Strategy == b.Strategy &&
		a.Max == b.Max &&
		a.IntervalSeconds == b.IntervalSeconds &&
		maps.Equal(a.UserOverrides, b.UserOverrides)
}

// writeError renders the standard error wire shape plus the category's
// side-channel headers. Returns the HTTP status for metrics.
func (p *Pipeline) writeError(w http.ResponseWriter, r *http.Request, ep *config.Endpoint, e *errors.Error) int {
	status := e.HTTPStatus()

	if e.Category == errors.CategoryAuthentication && ep != nil {
		if a := p.cachedAuthenticator(ep); a != nil && a.Challenge() != "" {
			w.Header().Set("WWW-Authenticate", a.Challenge())
		}
	}
	if e.Category == errors.CategoryRateLimit {
		// Details carries "retry after N seconds".
		var seconds int
		if _, scanErr := fmt.Sscanf(e.Details, "retry after %d seconds", &seconds); scanErr == nil && seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	if e.Category == errors.CategoryInternal || e.Category == errors.CategoryDatabase {
		logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, e)
	}
	writeJSON(w, status, e.ToResponse())
	return status
}

func (p *Pipeline) cachedAuthenticator(ep *config.Endpoint) *auth.Authenticator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auths[ep.URLPath].auth
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warnf("writing response: %v", err)
	}
}

func parsePage(query map[string][]string) (pagination, *errors.Error) {
	page := pagination{limit: defaultLimit}
	if raw := first(query["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page, errors.NewValidationError([]errors.FieldError{
				{Field: "limit", Message: "Must be a positive integer"},
			})
		}
		page.limit = clampLimit(n)
	}
	if raw := first(query["offset"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.NewValidationError([]errors.FieldError{
				{Field: "offset", Message: "Must be a non-negative integer"},
			})
		}
		page.offset = n
	}
	return page, nil
}

func clampLimit(n int) int {
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func stringifyArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
