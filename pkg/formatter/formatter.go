// Package formatter normalizes operation and script results into one envelope.
package formatter

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/malbeclabs/tableqa/pkg/dataset"
)

type ResultType string

const (
	TypeNumber ResultType = "number"
	TypeText   ResultType = "text"
	TypeList   ResultType = "list"
	TypeTable  ResultType = "table"
)

// MaxPreviewRows bounds the rows included in a table envelope.
const MaxPreviewRows = 50

// Envelope is the canonical rendering of a result.
type Envelope struct {
	ResultType ResultType `json:"result_type"`
	// Value is a float64 for numbers, a string for text, a []any for lists and nil for
	// tables.
	Value   any    `json:"value"`
	Display string `json:"display"`
	Table   *Table `json:"structured_table,omitempty"`
}

// Table is a table preview. TotalRows is the row count before truncation.
type Table struct {
	Headers   []string `json:"headers"`
	Rows      [][]any  `json:"rows"`
	TotalRows int      `json:"total_rows"`
	Truncated bool     `json:"truncated"`
}

// Dataset re-reads the preview as a dataset.
func (t *Table) Dataset() (*dataset.Dataset, error) {
	return dataset.New(t.Headers, t.Rows)
}

// Format renders a value. Accepted shapes are numbers, strings, booleans, times,
// dataset values, slices, records ([]map[string]any), single records and datasets.
func Format(value any) (*Envelope, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("cannot format a null result")
	case *dataset.Dataset:
		return formatTable(v), nil
	case dataset.Value:
		return formatScalar(v), nil
	case []dataset.Value:
		return formatList(v), nil
	case []map[string]any:
		ds, err := dataset.FromRecords(v, nil)
		if err != nil {
			return nil, err
		}
		return formatTable(ds), nil
	case map[string]any:
		ds, err := dataset.FromRecords([]map[string]any{v}, nil)
		if err != nil {
			return nil, err
		}
		return formatTable(ds), nil
	case *big.Int, time.Time, string, bool:
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
			values := make([]dataset.Value, rv.Len())
			for i := range values {
				cell, err := dataset.FromAny(rv.Index(i).Interface())
				if err != nil {
					return nil, fmt.Errorf("list element %d: %w", i, err)
				}
				values[i] = cell
			}
			return formatList(values), nil
		}
	}

	cell, err := dataset.FromAny(value)
	if err != nil {
		return nil, err
	}
	return formatScalar(cell), nil
}

func formatScalar(v dataset.Value) *Envelope {
	if v.Kind() == dataset.KindNumber {
		f, _ := v.Float()
		f = dataset.RoundNumber(f)
		return &Envelope{ResultType: TypeNumber, Value: f, Display: dataset.FormatNumber(f)}
	}
	s := v.String()
	return &Envelope{ResultType: TypeText, Value: s, Display: s}
}

func formatList(values []dataset.Value) *Envelope {
	out := make([]any, len(values))
	parts := make([]string, len(values))
	for i, v := range values {
		out[i] = cellValue(v)
		parts[i] = v.String()
	}
	return &Envelope{ResultType: TypeList, Value: out, Display: strings.Join(parts, ", ")}
}

func formatTable(ds *dataset.Dataset) *Envelope {
	total := ds.NumRows()
	preview := ds.Head(MaxPreviewRows)
	rows := make([][]any, preview.NumRows())
	for i := range rows {
		row := preview.Row(i)
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = cellValue(v)
		}
	}
	t := &Table{
		Headers:   ds.Columns(),
		Rows:      rows,
		TotalRows: total,
		Truncated: total > preview.NumRows(),
	}
	return &Envelope{ResultType: TypeTable, Display: tableDisplay(t), Table: t}
}

// cellValue is the JSON-friendly form of a cell: rounded numbers, text, booleans, dates
// as strings and nil.
func cellValue(v dataset.Value) any {
	switch v.Kind() {
	case dataset.KindNumber:
		f, _ := v.Float()
		return dataset.RoundNumber(f)
	case dataset.KindDate:
		return v.String()
	default:
		return v.Any()
	}
}

func tableDisplay(t *Table) string {
	noun := "rows"
	if t.TotalRows == 1 {
		noun = "row"
	}
	s := fmt.Sprintf("%d %s x %d columns", t.TotalRows, noun, len(t.Headers))
	if t.Truncated {
		s += fmt.Sprintf(" (showing first %d)", len(t.Rows))
	}
	return s
}

// IsEmpty reports whether an envelope holds an empty list or a table with no rows.
func (e *Envelope) IsEmpty() bool {
	switch e.ResultType {
	case TypeTable:
		return e.Table == nil || e.Table.TotalRows == 0
	case TypeList:
		list, _ := e.Value.([]any)
		return len(list) == 0
	}
	return false
}

// Finite reports whether a number envelope holds a finite value.
func (e *Envelope) Finite() bool {
	f, ok := e.Value.(float64)
	return !ok || (!math.IsNaN(f) && !math.IsInf(f, 0))
}
