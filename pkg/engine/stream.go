package engine

import (
	"database/sql"
)

// RowStream is a lazy forward-only sequence of typed rows. Callers must
// Close it; Close releases the engine's read slot.
type RowStream struct {
	rows    *sql.Rows
	columns []string
	decls   []string
	release func()
	closed  bool
}

func newRowStream(rows *sql.Rows, release func()) (*RowStream, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		release()
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		release()
		return nil, err
	}
	decls := make([]string, len(types))
	for i, t := range types {
		decls[i] = t.DatabaseTypeName()
	}
	return &RowStream{rows: rows, columns: cols, decls: decls, release: release}, nil
}

// Columns returns the result column names in order.
func (s *RowStream) Columns() []string {
	return s.columns
}

// Next returns the next row, or (nil, nil) when the stream is exhausted.
func (s *RowStream) Next() (Row, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	raw := make([]any, len(s.columns))
	ptrs := make([]any, len(s.columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(Row, len(s.columns))
	for i, col := range s.columns {
		row[col] = convert(raw[i], s.decls[i])
	}
	return row, nil
}

// Collect drains the stream into a slice.
func (s *RowStream) Collect() ([]Row, error) {
	var out []Row
	for {
		row, err := s.Next()
		if err != nil {
			return out, err
		}
		if row == nil {
			return out, nil
		}
		out = append(out, row)
	}
}

// Close releases the underlying cursor and read slot. Safe to call
// multiple times.
func (s *RowStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.rows.Close()
	s.release()
	return err
}
