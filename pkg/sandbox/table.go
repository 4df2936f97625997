package sandbox

import (
	"fmt"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

type ColumnType string

const (
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeVarchar   ColumnType = "VARCHAR"
)

// Table is a typed, private copy of a dataset as handed to an Evaluator. Cells hold
// float64, bool, time.Time, string or nil according to the column type.
type Table struct {
	Name    string
	Columns []string
	Types   []ColumnType
	Rows    [][]any
}

// NewTable types each column from its inferred schema type. Cells that do not convert
// to the column type become null.
func NewTable(ds *dataset.Dataset, s *schema.Summary) (*Table, error) {
	if s == nil {
		s = schema.Extract(ds)
	}
	t := &Table{
		Name:    schema.TableName,
		Columns: ds.Columns(),
		Types:   make([]ColumnType, ds.NumColumns()),
		Rows:    make([][]any, ds.NumRows()),
	}
	for i := range t.Rows {
		t.Rows[i] = make([]any, len(t.Columns))
	}

	for c, name := range t.Columns {
		col, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from schema summary", name)
		}
		t.Types[c] = columnType(col.Type)

		values, err := ds.Column(name)
		if err != nil {
			return nil, err
		}
		for r, v := range values {
			t.Rows[r][c] = cell(t.Types[c], v)
		}
	}
	return t, nil
}

func columnType(t schema.Type) ColumnType {
	switch t {
	case schema.TypeNumeric:
		return TypeDouble
	case schema.TypeBoolean:
		return TypeBoolean
	case schema.TypeDate:
		return TypeTimestamp
	default:
		return TypeVarchar
	}
}

func cell(t ColumnType, v dataset.Value) any {
	if v.IsNull() {
		return nil
	}
	switch t {
	case TypeDouble:
		if f, ok := v.Float(); ok {
			return f
		}
	case TypeBoolean:
		if b, ok := schema.BoolOf(v); ok {
			return b
		}
	case TypeTimestamp:
		if tm, ok := v.AsDate(); ok {
			return tm
		}
	default:
		return v.String()
	}
	return nil
}
