// Package dataset holds the immutable in-memory table that every analysis runs against.
//
// A Dataset is built once per request from caller input and never changes afterwards.
// Every transformation (Filter, Sort, Project, Head) returns a new Dataset; accessors
// return copies so callers cannot reach the backing storage.
package dataset

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Dataset is an ordered set of named columns of equal length.
type Dataset struct {
	columns []string
	index   map[string]int
	rows    [][]Value
}

// New builds a dataset from column names and row-major cells.
func New(columns []string, rows [][]any) (*Dataset, error) {
	vals := make([][]Value, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d cells, expected %d", i, len(row), len(columns))
		}
		vals[i] = make([]Value, len(row))
		for j, cell := range row {
			v, err := FromAny(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, columns[j], err)
			}
			vals[i][j] = v
		}
	}
	return fromOwned(slices.Clone(columns), vals)
}

// FromValues builds a dataset from already-typed cells. The input is copied.
func FromValues(columns []string, rows [][]Value) (*Dataset, error) {
	vals := make([][]Value, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d cells, expected %d", i, len(row), len(columns))
		}
		vals[i] = slices.Clone(row)
	}
	return fromOwned(slices.Clone(columns), vals)
}

// FromRecords builds a dataset from a list of objects. Columns are the union of keys
// in first-seen order; keys absent from a record become missing cells.
func FromRecords(records []map[string]any, order []string) (*Dataset, error) {
	columns := slices.Clone(order)
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		for _, k := range keys {
			seen[k] = true
			columns = append(columns, k)
		}
	}
	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = rec[c]
		}
		rows[i] = row
	}
	return New(columns, rows)
}

func fromOwned(columns []string, rows [][]Value) (*Dataset, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate column name %q", c)
		}
		index[c] = i
	}
	return &Dataset{columns: columns, index: index, rows: rows}, nil
}

// Columns returns the column names in order.
func (d *Dataset) Columns() []string { return slices.Clone(d.columns) }

func (d *Dataset) NumRows() int    { return len(d.rows) }
func (d *Dataset) NumColumns() int { return len(d.columns) }

// ColumnIndex returns the position of the named column.
func (d *Dataset) ColumnIndex(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Column returns a copy of the named column's cells.
func (d *Dataset) Column(name string) ([]Value, error) {
	i, ok := d.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q does not exist", name)
	}
	out := make([]Value, len(d.rows))
	for r, row := range d.rows {
		out[r] = row[i]
	}
	return out, nil
}

// Row returns a copy of row i.
func (d *Dataset) Row(i int) []Value { return slices.Clone(d.rows[i]) }

// Cell returns the value at row i of the named column.
func (d *Dataset) Cell(i int, column string) Value {
	j, ok := d.index[column]
	if !ok || i < 0 || i >= len(d.rows) {
		return Null()
	}
	return d.rows[i][j]
}

// Rows returns a deep copy of all rows.
func (d *Dataset) Rows() [][]Value {
	out := make([][]Value, len(d.rows))
	for i, row := range d.rows {
		out[i] = slices.Clone(row)
	}
	return out
}

// Filter returns the rows for which keep returns true.
func (d *Dataset) Filter(keep func(row []Value) bool) *Dataset {
	var rows [][]Value
	for _, row := range d.rows {
		if keep(row) {
			rows = append(rows, row)
		}
	}
	// rows are shared with d; neither side ever writes to them.
	return &Dataset{columns: d.columns, index: d.index, rows: rows}
}

// Sort returns the rows ordered by the named column. Missing cells always sort last.
func (d *Dataset) Sort(column string, descending bool) (*Dataset, error) {
	i, ok := d.index[column]
	if !ok {
		return nil, fmt.Errorf("column %q does not exist", column)
	}
	rows := slices.Clone(d.rows)
	slices.SortStableFunc(rows, func(a, b []Value) int {
		x, y := a[i], b[i]
		switch {
		case x.IsNull() && y.IsNull():
			return 0
		case x.IsNull():
			return 1
		case y.IsNull():
			return -1
		}
		c := Compare(x, y)
		if descending {
			return -c
		}
		return c
	})
	return &Dataset{columns: d.columns, index: d.index, rows: rows}, nil
}

// Project returns a dataset containing only the named columns, in the given order.
func (d *Dataset) Project(columns []string) (*Dataset, error) {
	idx := make([]int, len(columns))
	for k, c := range columns {
		i, ok := d.index[c]
		if !ok {
			return nil, fmt.Errorf("column %q does not exist", c)
		}
		idx[k] = i
	}
	rows := make([][]Value, len(d.rows))
	for r, row := range d.rows {
		out := make([]Value, len(idx))
		for k, i := range idx {
			out[k] = row[i]
		}
		rows[r] = out
	}
	return fromOwned(slices.Clone(columns), rows)
}

// Head returns at most the first n rows.
func (d *Dataset) Head(n int) *Dataset {
	if n < 0 || n >= len(d.rows) {
		return d
	}
	return &Dataset{columns: d.columns, index: d.index, rows: d.rows[:n:n]}
}

// Records returns each row as a column-name keyed map of plain Go values.
func (d *Dataset) Records() []map[string]any {
	out := make([]map[string]any, len(d.rows))
	for r, row := range d.rows {
		rec := make(map[string]any, len(d.columns))
		for i, c := range d.columns {
			rec[c] = row[i].Any()
		}
		out[r] = rec
	}
	return out
}

type wireDataset struct {
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	rows := d.rows
	if rows == nil {
		rows = [][]Value{}
	}
	return json.Marshal(wireDataset{Columns: d.columns, Rows: rows})
}

func (d *Dataset) UnmarshalJSON(data []byte) error {
	var w wireDataset
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	nd, err := FromValues(w.Columns, w.Rows)
	if err != nil {
		return err
	}
	*d = *nd
	return nil
}
