// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package cache materializes per-endpoint cache tables as immutable,
// snapshotted physical tables inside the engine's storage, with a
// goose-migrated bookkeeping catalog tracking snapshot lineage.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one committed version of a cache table.
type Snapshot struct {
	ID            int64     `json:"snapshot_id"`
	Endpoint      string    `json:"endpoint"`
	PhysicalTable string    `json:"physical_table"`
	Mode          string    `json:"mode"`
	CommittedAt   time.Time `json:"committed_at"`
	CursorHigh    string    `json:"cursor_high_water,omitempty"`
	RowCount      int64     `json:"row_count"`
	Bytes         int64     `json:"bytes"`
}

// Catalog persists snapshot metadata. Snapshot ids are allocated by the
// catalog and are monotonic per process lifetime and across restarts.
type Catalog struct {
	db *sql.DB
}

// NewCatalog runs migrations and returns the catalog handle.
func NewCatalog(ctx context.Context, db *sql.DB) (*Catalog, error) {
	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Allocate reserves a new uncommitted snapshot id for the endpoint.
func (c *Catalog) Allocate(ctx context.Context, endpoint, catalogName, schemaName, tableName, physicalTable, mode string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO flapi_snapshots (endpoint, catalog_name, schema_name, table_name, physical_table, mode)
		VALUES (?, ?, ?, ?, ?, ?)`,
		endpoint, catalogName, schemaName, tableName, physicalTable, mode,
	)
	if err != nil {
		return 0, fmt.Errorf("allocating snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading snapshot id: %w", err)
	}
	return id, nil
}

// Commit marks a snapshot committed with its final statistics. Commit is
// the linearization point: readers switch to the snapshot the moment
// this row is updated and the in-memory state is swapped.
func (c *Catalog) Commit(ctx context.Context, id, rowCount, bytes int64, cursorHigh string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE flapi_snapshots
		SET committed = 1, committed_at = ?, row_count = ?, bytes = ?, cursor_high_water = ?
		WHERE id = ?`,
		time.Now().UTC(), rowCount, bytes, cursorHigh, id,
	)
	if err != nil {
		return fmt.Errorf("committing snapshot %d: %w", id, err)
	}
	return nil
}

// Abandon removes a snapshot row that never committed.
func (c *Catalog) Abandon(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM flapi_snapshots WHERE id = ? AND committed = 0`, id)
	return err
}

// Latest returns the latest committed snapshot for the endpoint, or nil
// when none exists.
func (c *Catalog) Latest(ctx context.Context, endpoint string) (*Snapshot, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, endpoint, physical_table, mode, committed_at, COALESCE(cursor_high_water, ''), row_count, bytes
		FROM flapi_snapshots
		WHERE endpoint = ? AND committed = 1
		ORDER BY id DESC LIMIT 1`, endpoint)
	return scanSnapshot(row)
}

// ListCommitted returns every committed snapshot for the endpoint,
// newest first.
func (c *Catalog) ListCommitted(ctx context.Context, endpoint string) ([]Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, endpoint, physical_table, mode, committed_at, COALESCE(cursor_high_water, ''), row_count, bytes
		FROM flapi_snapshots
		WHERE endpoint = ? AND committed = 1
		ORDER BY id DESC`, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var committedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Endpoint, &s.PhysicalTable, &s.Mode, &committedAt, &s.CursorHigh, &s.RowCount, &s.Bytes); err != nil {
			return nil, err
		}
		s.CommittedAt = committedAt.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a snapshot's metadata row.
func (c *Catalog) Delete(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM flapi_snapshots WHERE id = ?`, id)
	return err
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var s Snapshot
	var committedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Endpoint, &s.PhysicalTable, &s.Mode, &committedAt, &s.CursorHigh, &s.RowCount, &s.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CommittedAt = committedAt.Time
	return &s, nil
}
