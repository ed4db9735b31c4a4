// Package manifest holds the tabular record of the files a step produced.
//
// A manifest is a table with named columns. Some columns are designated as
// filepath columns by the step that owns the manifest; their cells are either
// all absolute or all relative to the step's staging directory. The remaining
// columns carry metadata or anything else the step wants to record.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

var (
	ErrUnknownColumn   = errors.New("unknown manifest column")
	ErrDuplicateColumn = errors.New("duplicate manifest column")
	ErrRowLength       = errors.New("row length does not match manifest columns")
	ErrRowIndex        = errors.New("manifest row index out of range")
)

// Manifest is an ordered table of string cells.
type Manifest struct {
	columns []string
	index   map[string]int
	rows    [][]string
}

// New creates an empty manifest with the given columns.
func New(columns ...string) (*Manifest, error) {
	m := &Manifest{
		columns: slices.Clone(columns),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		if _, ok := m.index[c]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c)
		}
		m.index[c] = i
	}
	return m, nil
}

// Columns returns the column names in order.
func (m *Manifest) Columns() []string {
	return slices.Clone(m.columns)
}

// HasColumn reports whether the manifest has a column named col.
func (m *Manifest) HasColumn(col string) bool {
	_, ok := m.index[col]
	return ok
}

// Len returns the number of rows.
func (m *Manifest) Len() int {
	return len(m.rows)
}

// Append adds a row. Cells are given in column order.
func (m *Manifest) Append(cells ...string) error {
	if len(cells) != len(m.columns) {
		return fmt.Errorf("%w: got %d cells, want %d", ErrRowLength, len(cells), len(m.columns))
	}
	m.rows = append(m.rows, slices.Clone(cells))
	return nil
}

// AppendRecord adds a row from a column-name keyed record. Missing columns are
// left empty; keys that are not columns are rejected.
func (m *Manifest) AppendRecord(record map[string]string) error {
	row := make([]string, len(m.columns))
	for k, v := range record {
		i, ok := m.index[k]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, k)
		}
		row[i] = v
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *Manifest) checkRow(i int) error {
	if i < 0 || i >= len(m.rows) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrRowIndex, i, len(m.rows))
	}
	return nil
}

// Value returns the cell at row i and column col.
func (m *Manifest) Value(i int, col string) (string, error) {
	j, ok := m.index[col]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownColumn, col)
	}
	if err := m.checkRow(i); err != nil {
		return "", err
	}
	return m.rows[i][j], nil
}

// Set replaces the cell at row i and column col.
func (m *Manifest) Set(i int, col, value string) error {
	j, ok := m.index[col]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
	}
	if err := m.checkRow(i); err != nil {
		return err
	}
	m.rows[i][j] = value
	return nil
}

// Record returns row i keyed by column name.
func (m *Manifest) Record(i int) (map[string]string, error) {
	if err := m.checkRow(i); err != nil {
		return nil, err
	}
	rec := make(map[string]string, len(m.columns))
	for j, c := range m.columns {
		rec[c] = m.rows[i][j]
	}
	return rec, nil
}

// Column returns a copy of every cell in column col.
func (m *Manifest) Column(col string) ([]string, error) {
	j, ok := m.index[col]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, col)
	}
	out := make([]string, len(m.rows))
	for i, row := range m.rows {
		out[i] = row[j]
	}
	return out, nil
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		columns: slices.Clone(m.columns),
		index:   make(map[string]int, len(m.index)),
		rows:    make([][]string, len(m.rows)),
	}
	for k, v := range m.index {
		c.index[k] = v
	}
	for i, row := range m.rows {
		c.rows[i] = slices.Clone(row)
	}
	return c
}

// Equal reports whether two manifests have the same columns and cells.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if !slices.Equal(m.columns, other.columns) || len(m.rows) != len(other.rows) {
		return false
	}
	for i := range m.rows {
		if !slices.Equal(m.rows[i], other.rows[i]) {
			return false
		}
	}
	return true
}

// ReadCSV parses a manifest whose first record is the header.
func ReadCSV(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing manifest CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parsing manifest CSV: missing header")
	}

	m, err := New(records[0]...)
	if err != nil {
		return nil, err
	}
	for _, rec := range records[1:] {
		if err := m.Append(rec...); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WriteCSV writes the header followed by every row.
func (m *Manifest) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(m.columns); err != nil {
		return fmt.Errorf("writing manifest header: %w", err)
	}
	if err := cw.WriteAll(m.rows); err != nil {
		return fmt.Errorf("writing manifest rows: %w", err)
	}
	return nil
}

// ReadFile loads a manifest CSV from disk.
func ReadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteFile stores the manifest as CSV at path, replacing any existing file.
func (m *Manifest) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	if err := m.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
