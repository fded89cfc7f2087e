// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package engine owns the embedded analytical SQL engine. All query
// execution in flAPI funnels through this adapter: read queries run
// concurrently up to a configured bound, while DDL (connection init
// statements and cache refreshes) is serialized through a single lane.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // embedded engine driver

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
)

const defaultReadConcurrency = 8

// Engine is the single process-wide handle on the embedded engine.
type Engine struct {
	db       *sql.DB
	settings config.EngineSettings

	mu    sync.RWMutex
	conns map[string]*connState

	// ddlLane serializes init statements and cache refresh DDL.
	ddlLane chan struct{}
	// readSem bounds concurrent read queries.
	readSem chan struct{}
}

type connState struct {
	name string
	cfg  config.Connection

	once        sync.Once
	initErr     error
	unavailable bool
}

// Querier is the statement execution surface shared by the engine and
// open transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open opens the embedded engine per the settings bag and registers the
// named connections. Connection init statements run lazily on first use;
// call Init for eager registration-order initialization.
func Open(settings config.EngineSettings, conns map[string]config.Connection) (*Engine, error) {
	dsn := settings.DBPath
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	if strings.EqualFold(settings.AccessMode, "read_only") && !strings.Contains(dsn, ":memory:") {
		dsn = readOnlyDSN(dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewDatabaseError("opening embedded engine", err)
	}

	readBound := settings.Threads
	if readBound <= 0 {
		readBound = defaultReadConcurrency
	}
	// One extra connection for the DDL lane.
	db.SetMaxOpenConns(readBound + 1)

	e := &Engine{
		db:       db,
		settings: settings,
		conns:    make(map[string]*connState, len(conns)),
		ddlLane:  make(chan struct{}, 1),
		readSem:  make(chan struct{}, readBound),
	}
	for name, cfg := range conns {
		e.conns[name] = &connState{name: name, cfg: cfg}
	}

	if err := e.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) applyPragmas(ctx context.Context) error {
	stmts := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	if e.settings.MaxMemory != "" {
		if kb, ok := parseMemoryKB(e.settings.MaxMemory); ok {
			stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size=-%d", kb))
		} else {
			logger.Warnf("engine: unrecognized max_memory %q, ignoring", e.settings.MaxMemory)
		}
	}
	for k := range e.settings.Extra {
		// Unknown settings-bag keys are accepted but not mapped.
		logger.Debugf("engine: ignoring unmapped setting %q", k)
	}
	for _, s := range stmts {
		if _, err := e.db.ExecContext(ctx, s); err != nil {
			return errors.NewDatabaseError("applying engine settings", err)
		}
	}
	return nil
}

// Init eagerly initializes every registered connection in name order.
// A connection whose init statements fail is marked unavailable and
// logged; the process keeps serving the rest.
func (e *Engine) Init(ctx context.Context) {
	names := make([]string, 0, len(e.conns))
	for name := range e.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := e.ensureConn(ctx, name); err != nil {
			logger.Errorf("connection %q failed to initialize and is marked unavailable: %v", name, err)
		}
	}
}

// ensureConn runs the connection's init statements exactly once.
func (e *Engine) ensureConn(ctx context.Context, name string) error {
	e.mu.RLock()
	cs, ok := e.conns[name]
	e.mu.RUnlock()
	if !ok {
		return errors.NewConfigurationError(fmt.Sprintf("unknown connection %q", name), nil)
	}

	cs.once.Do(func() {
		if strings.TrimSpace(cs.cfg.Init) == "" {
			return
		}
		cs.initErr = e.ExecDDL(ctx, splitStatements(cs.cfg.Init)...)
		if cs.initErr != nil {
			cs.unavailable = true
		}
	})

	if cs.unavailable {
		return errors.NewDatabaseError(fmt.Sprintf("connection %q is unavailable", name), cs.initErr)
	}
	return nil
}

// Connection returns the property map of a named connection.
func (e *Engine) Connection(name string) (config.Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.conns[name]
	if !ok {
		return config.Connection{}, false
	}
	return cs.cfg, true
}

// ExecDDL runs statements through the serialized DDL lane.
func (e *Engine) ExecDDL(ctx context.Context, stmts ...string) error {
	select {
	case e.ddlLane <- struct{}{}:
		defer func() { <-e.ddlLane }()
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range stmts {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if _, err := e.db.ExecContext(ctx, s); err != nil {
			return errors.NewDatabaseError("executing statement", sanitizeErr(err))
		}
	}
	return nil
}

// Execute runs a read query against a connection and returns a lazy
// forward-only row stream. limit <= 0 means unlimited.
func (e *Engine) Execute(ctx context.Context, conn, sqlText string, limit int) (*RowStream, error) {
	if conn != "" {
		if err := e.ensureConn(ctx, conn); err != nil {
			return nil, err
		}
		e.logQuery(conn, sqlText)
	}

	select {
	case e.readSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-e.readSem }

	query := sqlText
	if limit > 0 {
		query = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", stripTrailingSemicolon(sqlText), limit)
	}
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		release()
		return nil, errors.NewDatabaseError("query failed", sanitizeErr(err))
	}
	stream, err := newRowStream(rows, release)
	if err != nil {
		return nil, errors.NewDatabaseError("reading result metadata", sanitizeErr(err))
	}
	return stream, nil
}

// ExecuteScalar runs a query expected to yield a single value.
func (e *Engine) ExecuteScalar(ctx context.Context, sqlText string) (Value, error) {
	select {
	case e.readSem <- struct{}{}:
		defer func() { <-e.readSem }()
	case <-ctx.Done():
		return Null, ctx.Err()
	}

	var raw any
	if err := e.db.QueryRowContext(ctx, sqlText).Scan(&raw); err != nil {
		return Null, errors.NewDatabaseError("scalar query failed", sanitizeErr(err))
	}
	return convert(raw, ""), nil
}

// WriteResult reports the outcome of a write statement.
type WriteResult struct {
	RowsAffected int64
	LastInsertID int64
	HasInsertID  bool
}

// ExecuteWrite runs a write statement via the given querier (the engine
// itself, or an open transaction).
func (e *Engine) ExecuteWrite(ctx context.Context, q Querier, conn, sqlText string) (WriteResult, error) {
	if err := e.ensureConn(ctx, conn); err != nil {
		return WriteResult{}, err
	}
	e.logQuery(conn, sqlText)

	res, err := q.ExecContext(ctx, sqlText)
	if err != nil {
		return WriteResult{}, errors.NewDatabaseError("write failed", sanitizeErr(err))
	}
	out := WriteResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		out.LastInsertID = id
		out.HasInsertID = true
	}
	return out, nil
}

// QueryRows runs a query via the given querier and collects all rows.
// Used for write statements with RETURNING clauses and follow-up reads.
func (e *Engine) QueryRows(ctx context.Context, q Querier, sqlText string) ([]Row, error) {
	rows, err := q.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, errors.NewDatabaseError("query failed", sanitizeErr(err))
	}
	stream, err := newRowStream(rows, func() {})
	if err != nil {
		return nil, errors.NewDatabaseError("reading result metadata", sanitizeErr(err))
	}
	defer stream.Close()
	return stream.Collect()
}

// WithTransaction runs fn inside a transaction when transactional is
// true; otherwise fn runs in autocommit mode against the engine.
func (e *Engine) WithTransaction(ctx context.Context, transactional bool, fn func(q Querier) error) error {
	if !transactional {
		return fn(e.db)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("beginning transaction", sanitizeErr(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logger.Warnf("transaction rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseError("committing transaction", sanitizeErr(err))
	}
	return nil
}

// DB exposes the underlying handle for the cache catalog's migrations.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Close shuts the engine down.
func (e *Engine) Close() error {
	return e.db.Close()
}

// TableInfo describes one column of an introspected table.
type TableInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null"`
	PK      bool   `json:"primary_key"`
}

// ListTables enumerates user tables for the schema introspection API.
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.NewDatabaseError("listing tables", sanitizeErr(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewDatabaseError("listing tables", sanitizeErr(err))
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DescribeTable returns column metadata for one table.
func (e *Engine) DescribeTable(ctx context.Context, table string) ([]TableInfo, error) {
	if !isIdentifier(table) {
		return nil, errors.NewValidationError([]errors.FieldError{
			{Field: "table", Message: "Invalid table name"},
		})
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, errors.NewDatabaseError("describing table", sanitizeErr(err))
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, errors.NewDatabaseError("describing table", sanitizeErr(err))
		}
		out = append(out, TableInfo{Name: name, Type: ctype, NotNull: notnull != 0, PK: pk != 0})
	}
	return out, rows.Err()
}

func (e *Engine) logQuery(conn, sqlText string) {
	e.mu.RLock()
	cs, ok := e.conns[conn]
	e.mu.RUnlock()
	if ok && cs.cfg.LogQueries {
		logger.Debugw("executing query", "connection", conn, "sql", sqlText)
	}
}

func sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", errors.Sanitize(err.Error()))
}

// splitStatements naively splits an init block on semicolons at line
// ends. Init statements are operator-authored, not user input.
func splitStatements(block string) []string {
	parts := strings.Split(block, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

func stripTrailingSemicolon(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ";")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

// readOnlyDSN appends mode=ro, joining with & when the DSN already
// carries query parameters.
func readOnlyDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&mode=ro"
	}
	return dsn + "?mode=ro"
}

// parseMemoryKB parses values like "512MB" or "2GB" into kibibytes.
func parseMemoryKB(s string) (int64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		s = strings.TrimSuffix(s, "KB")
	default:
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}
