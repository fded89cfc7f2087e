// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/telemetry"
	"github.com/flapi-io/flapi/pkg/template"
)

// Manager owns the cache tables of every cache-enabled endpoint. Refreshes
// for distinct endpoints run independently but share the engine's DDL
// lane; at most one refresh runs per endpoint, and concurrent triggers
// coalesce.
type Manager struct {
	eng      *engine.Engine
	catalog  *Catalog
	loader   *config.Loader
	settings config.CatalogSettings
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	states map[string]*State
}

// State is the per-endpoint cache state. The mutex guards every field.
type State struct {
	mu sync.Mutex

	refreshing    bool
	last          *Snapshot
	lastErr       error
	nextScheduled time.Time
}

// RefreshResult reports the outcome of a refresh call.
type RefreshResult struct {
	Coalesced bool
	Snapshot  *Snapshot
	Mode      config.CacheMode
}

// EndpointStatus is the /cache/status projection of one endpoint.
type EndpointStatus struct {
	Endpoint      string    `json:"endpoint"`
	Mode          string    `json:"mode"`
	Refreshing    bool      `json:"refreshing"`
	Snapshot      *Snapshot `json:"snapshot,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NextScheduled time.Time `json:"next_scheduled,omitzero"`
}

// NewManager creates the cache manager, running catalog migrations and
// recovering the latest committed snapshots from a previous run.
func NewManager(ctx context.Context, eng *engine.Engine, loader *config.Loader, settings config.CatalogSettings, metrics *telemetry.Metrics) (*Manager, error) {
	catalog, err := NewCatalog(ctx, eng.DB())
	if err != nil {
		return nil, errors.NewConfigurationError("initializing cache catalog", err)
	}
	return &Manager{
		eng:      eng,
		catalog:  catalog,
		loader:   loader,
		settings: settings,
		metrics:  metrics,
		states:   make(map[string]*State),
	}, nil
}

func (m *Manager) state(key string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &State{}
		m.states[key] = s
	}
	return s
}

func stateKey(ep *config.Endpoint) string {
	if ep.URLPath != "" {
		return ep.URLPath
	}
	return ep.MCPName()
}

// Recover loads the latest committed snapshot for an endpoint from the
// catalog, typically at startup.
func (m *Manager) Recover(ctx context.Context, ep *config.Endpoint) error {
	key := stateKey(ep)
	snap, err := m.catalog.Latest(ctx, key)
	if err != nil {
		return err
	}
	s := m.state(key)
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return nil
}

// ReadView returns the physical table serving reads for the endpoint,
// which is the latest committed snapshot. ok is false when no snapshot
// has ever committed.
func (m *Manager) ReadView(ep *config.Endpoint) (string, *Snapshot, bool) {
	s := m.state(stateKey(ep))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return "", nil, false
	}
	return s.last.PhysicalTable, s.last, true
}

// LastSnapshotTime returns the commit time of the latest snapshot, used
// by the scheduler's staleness check.
func (m *Manager) LastSnapshotTime(ep *config.Endpoint) (time.Time, bool) {
	_, snap, ok := m.ReadView(ep)
	if !ok {
		return time.Time{}, false
	}
	return snap.CommittedAt, true
}

// Refresh materializes a new snapshot for the endpoint. If a refresh is
// already in progress the call coalesces and returns immediately. On
// failure the prior snapshot remains the committed read view.
func (m *Manager) Refresh(ctx context.Context, ep *config.Endpoint, reason string) (RefreshResult, error) {
	spec := ep.Cache
	if spec == nil || !spec.Enabled {
		return RefreshResult{}, errors.NewConfigurationError(
			fmt.Sprintf("endpoint %s has no enabled cache", stateKey(ep)), nil)
	}
	key := stateKey(ep)
	s := m.state(key)

	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		logger.Debugf("cache refresh for %s coalesced (%s)", key, reason)
		return RefreshResult{Coalesced: true, Mode: spec.Mode()}, nil
	}
	s.refreshing = true
	prev := s.last
	s.mu.Unlock()

	started := time.Now()
	snap, err := m.runRefresh(ctx, ep, prev)

	s.mu.Lock()
	s.refreshing = false
	if err != nil {
		s.lastErr = err
	} else {
		s.lastErr = nil
		s.last = snap
	}
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CacheRefreshDuration.WithLabelValues(key).Observe(time.Since(started).Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		m.metrics.CacheRefreshTotal.WithLabelValues(key, result).Inc()
		if snap != nil {
			m.metrics.CacheSnapshotRows.WithLabelValues(key).Set(float64(snap.RowCount))
		}
	}
	if err != nil {
		logger.Errorf("cache refresh for %s failed (%s), keeping snapshot %v: %v", key, reason, snapshotID(prev), err)
		return RefreshResult{Mode: spec.Mode()}, err
	}

	logger.Infof("cache refresh for %s committed snapshot %d (%s, %d rows, reason=%s)",
		key, snap.ID, spec.Mode(), snap.RowCount, reason)
	m.applyRetention(ctx, ep)
	return RefreshResult{Snapshot: snap, Mode: spec.Mode()}, nil
}

func (m *Manager) runRefresh(ctx context.Context, ep *config.Endpoint, prev *Snapshot) (*Snapshot, error) {
	spec := ep.Cache
	key := stateKey(ep)
	mode := spec.Mode()

	id, err := m.catalog.Allocate(ctx, key, spec.Catalog, spec.Schema, spec.Table, "", string(mode))
	if err != nil {
		return nil, errors.NewDatabaseError("allocating cache snapshot", err)
	}
	phys := physicalTable(spec, id)
	now := time.Now().UTC()
	// The physical table name embeds the snapshot id, so it is only
	// known after allocation.
	if _, err := m.eng.DB().ExecContext(ctx, `UPDATE flapi_snapshots SET physical_table = ? WHERE id = ?`, phys, id); err != nil {
		_ = m.catalog.Abandon(ctx, id)
		return nil, errors.NewDatabaseError("recording snapshot table", err)
	}

	src, err := m.expandSource(ep, id, now, prev)
	if err != nil {
		_ = m.catalog.Abandon(ctx, id)
		return nil, err
	}
	sel := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(src), ";"))

	stmts, err := buildRefreshStatements(mode, phys, prevPhysical(prev), sel, spec.PrimaryKey)
	if err != nil {
		_ = m.catalog.Abandon(ctx, id)
		return nil, err
	}

	if err := m.eng.ExecDDL(ctx, stmts...); err != nil {
		// Drop any partially built physical table; the catalog row was
		// never committed so readers cannot observe it.
		_ = m.eng.ExecDDL(context.WithoutCancel(ctx), fmt.Sprintf("DROP TABLE IF EXISTS %s", phys))
		_ = m.catalog.Abandon(ctx, id)
		return nil, err
	}

	rowCount, err := m.tableCount(ctx, phys)
	if err != nil {
		_ = m.catalog.Abandon(ctx, id)
		return nil, err
	}
	cursorHigh := ""
	if spec.Cursor != nil && spec.Cursor.Column != "" {
		cursorHigh, err = m.cursorHighWater(ctx, phys, spec.Cursor.Column, prev)
		if err != nil {
			_ = m.catalog.Abandon(ctx, id)
			return nil, err
		}
	}

	if err := m.catalog.Commit(ctx, id, rowCount, 0, cursorHigh); err != nil {
		return nil, errors.NewDatabaseError("committing cache snapshot", err)
	}

	return &Snapshot{
		ID:            id,
		Endpoint:      key,
		PhysicalTable: phys,
		Mode:          string(mode),
		CommittedAt:   now,
		CursorHigh:    cursorHigh,
		RowCount:      rowCount,
	}, nil
}

// buildRefreshStatements derives the DDL sequence for a refresh mode.
// Snapshots are immutable: append and merge modes first copy the prior
// physical table so readers of the previous snapshot are undisturbed.
func buildRefreshStatements(mode config.CacheMode, phys, prevPhys, sel string, primaryKey []string) ([]string, error) {
	switch mode {
	case config.ModeFull:
		return []string{
			fmt.Sprintf("CREATE TABLE %s AS %s", phys, sel),
		}, nil

	case config.ModeAppend:
		if prevPhys == "" {
			return []string{fmt.Sprintf("CREATE TABLE %s AS %s", phys, sel)}, nil
		}
		return []string{
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", phys, prevPhys),
			fmt.Sprintf("INSERT INTO %s SELECT * FROM (%s)", phys, sel),
		}, nil

	case config.ModeMerge, config.ModeIncrementalMerge:
		if len(primaryKey) == 0 {
			return nil, errors.NewConfigurationError("merge cache mode requires primary-key", nil)
		}
		if prevPhys == "" {
			return []string{fmt.Sprintf("CREATE TABLE %s AS %s", phys, sel)}, nil
		}
		keyTuple := "(" + strings.Join(primaryKey, ", ") + ")"
		return []string{
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", phys, prevPhys),
			// Upsert by key: delete conflicting rows, then insert.
			fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM (%s))",
				phys, keyTuple, strings.Join(primaryKey, ", "), sel),
			fmt.Sprintf("INSERT INTO %s SELECT * FROM (%s)", phys, sel),
		}, nil
	}
	return nil, errors.NewConfigurationError(fmt.Sprintf("unknown cache mode %q", mode), nil)
}

// expandSource renders the cache source template with the cache.*
// bindings for the new snapshot.
func (m *Manager) expandSource(ep *config.Endpoint, id int64, now time.Time, prev *Snapshot) (string, error) {
	spec := ep.Cache
	src, err := m.loader.ReadTemplate(spec.TemplateFile)
	if err != nil {
		return "", err
	}

	cacheScope := map[string]any{
		"catalog":           spec.Catalog,
		"schema":            spec.Schema,
		"table":             spec.Table,
		"mode":              string(spec.Mode()),
		"snapshotId":        id,
		"snapshotTimestamp": now.Format(time.RFC3339),
	}
	if prev != nil {
		cacheScope["previousSnapshotId"] = prev.ID
		cacheScope["previousSnapshotTimestamp"] = prev.CommittedAt.UTC().Format(time.RFC3339)
		cacheScope["previousCursor"] = prev.CursorHigh
	}
	if spec.Cursor != nil {
		cacheScope["cursorColumn"] = spec.Cursor.Column
		cacheScope["cursorType"] = spec.Cursor.Type
	}
	if len(spec.PrimaryKey) > 0 {
		cacheScope["primaryKeys"] = strings.Join(spec.PrimaryKey, ", ")
	}

	connScope := map[string]string{}
	if conn, ok := m.eng.Connection(ep.PrimaryConnection()); ok {
		connScope = conn.Properties
	}

	tmplCtx := template.NewContext().
		WithScope("cache", cacheScope).
		WithScope("conn", connScope).
		WithScope("env", m.loader.Allowlist().Snapshot())

	expanded, err := template.Expand(src, tmplCtx, m.loader.ReadTemplate)
	if err != nil {
		return "", errors.NewConfigurationError(
			fmt.Sprintf("expanding cache template %s", spec.TemplateFile), err)
	}
	return expanded, nil
}

// applyRetention drops committed snapshots beyond keep-last-snapshots or
// older than max-snapshot-age. The latest snapshot is never dropped.
func (m *Manager) applyRetention(ctx context.Context, ep *config.Endpoint) {
	retention := ep.Cache.Retention
	if retention.KeepLastSnapshots == 0 && retention.MaxSnapshotAge.Duration() == 0 {
		retention = m.settings.Retention
	}
	keep := retention.KeepLastSnapshots
	maxAge := retention.MaxSnapshotAge.Duration()
	if keep <= 0 && maxAge <= 0 {
		return
	}

	key := stateKey(ep)
	snaps, err := m.catalog.ListCommitted(ctx, key)
	if err != nil {
		logger.Warnf("retention scan for %s failed: %v", key, err)
		return
	}
	now := time.Now().UTC()
	for i, s := range snaps {
		if i == 0 {
			continue // newest always survives
		}
		expired := maxAge > 0 && now.Sub(s.CommittedAt) > maxAge
		overflow := keep > 0 && i >= keep
		if !expired && !overflow {
			continue
		}
		if err := m.eng.ExecDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.PhysicalTable)); err != nil {
			logger.Warnf("dropping snapshot table %s failed: %v", s.PhysicalTable, err)
			continue
		}
		if err := m.catalog.Delete(ctx, s.ID); err != nil {
			logger.Warnf("deleting snapshot %d metadata failed: %v", s.ID, err)
		} else {
			logger.Debugf("retention dropped snapshot %d of %s", s.ID, key)
		}
	}
}

// Snapshots lists the committed snapshots of an endpoint, newest first.
func (m *Manager) Snapshots(ctx context.Context, ep *config.Endpoint) ([]Snapshot, error) {
	return m.catalog.ListCommitted(ctx, stateKey(ep))
}

// Purge drops every committed snapshot of an endpoint, physical tables
// and catalog rows included, and clears the read view. The next read or
// scheduled pass rebuilds from scratch. Purge refuses to run while a
// refresh is in flight; the refresh may be copying a prior physical
// table.
func (m *Manager) Purge(ctx context.Context, ep *config.Endpoint) (int, error) {
	key := stateKey(ep)
	s := m.state(key)

	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return 0, errors.NewConfigurationError(
			fmt.Sprintf("cache refresh for %s is in progress, retry after it completes", key), nil)
	}
	s.refreshing = true
	s.last = nil
	s.lastErr = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	snaps, err := m.catalog.ListCommitted(ctx, key)
	if err != nil {
		return 0, errors.NewDatabaseError("listing cache snapshots", err)
	}
	dropped := 0
	for _, sn := range snaps {
		if err := m.eng.ExecDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", sn.PhysicalTable)); err != nil {
			return dropped, err
		}
		if err := m.catalog.Delete(ctx, sn.ID); err != nil {
			return dropped, errors.NewDatabaseError("deleting snapshot metadata", err)
		}
		dropped++
	}
	if m.metrics != nil {
		m.metrics.CacheSnapshotRows.WithLabelValues(key).Set(0)
	}
	logger.Infof("cache purge for %s dropped %d snapshot(s)", key, dropped)
	return dropped, nil
}

// Status projects the state of every known cache-enabled endpoint.
func (m *Manager) Status(endpoints []*config.Endpoint) []EndpointStatus {
	out := make([]EndpointStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Cache == nil || !ep.Cache.Enabled {
			continue
		}
		s := m.state(stateKey(ep))
		s.mu.Lock()
		st := EndpointStatus{
			Endpoint:      stateKey(ep),
			Mode:          string(ep.Cache.Mode()),
			Refreshing:    s.refreshing,
			Snapshot:      s.last,
			NextScheduled: s.nextScheduled,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// SetNextScheduled records the scheduler's plan for status projections.
func (m *Manager) SetNextScheduled(ep *config.Endpoint, t time.Time) {
	s := m.state(stateKey(ep))
	s.mu.Lock()
	s.nextScheduled = t
	s.mu.Unlock()
}

func (m *Manager) tableCount(ctx context.Context, phys string) (int64, error) {
	v, err := m.eng.ExecuteScalar(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", phys))
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

func (m *Manager) cursorHighWater(ctx context.Context, phys, column string, prev *Snapshot) (string, error) {
	v, err := m.eng.ExecuteScalar(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", column, phys))
	if err != nil {
		return "", err
	}
	if v.Kind == engine.KindNull && prev != nil {
		return prev.CursorHigh, nil
	}
	return fmt.Sprintf("%v", v.Native()), nil
}

var identSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// physicalTable derives the snapshot's physical table name. The catalog
// alias and schema collapse into a name prefix since the engine has a
// single namespace.
func physicalTable(spec *config.CacheSpec, id int64) string {
	parts := make([]string, 0, 2)
	if spec.Schema != "" {
		parts = append(parts, identSanitizer.ReplaceAllString(spec.Schema, "_"))
	}
	parts = append(parts, identSanitizer.ReplaceAllString(spec.Table, "_"))
	return fmt.Sprintf("%s__s%d", strings.Join(parts, "_"), id)
}

func prevPhysical(prev *Snapshot) string {
	if prev == nil {
		return ""
	}
	return prev.PhysicalTable
}

func snapshotID(s *Snapshot) any {
	if s == nil {
		return "none"
	}
	return s.ID
}
