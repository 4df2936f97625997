// Package schema derives a per-request summary of a dataset: an inferred type and
// type-specific statistics for every column.
package schema

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/dataset"
)

// Type is the inferred type of a column.
type Type string

const (
	TypeNumeric  Type = "numeric"
	TypeCategory Type = "category"
	TypeDate     Type = "date"
	TypeBoolean  Type = "boolean"
	TypeText     Type = "text"
	TypeEmpty    Type = "empty"
)

const (
	// numericThreshold is the share of non-missing values that must parse as numbers.
	numericThreshold = 0.8
	// dateThreshold is the share of sampled values that must parse as dates.
	dateThreshold = 0.8
	dateSampleSize = 200

	categoryRatio   = 0.5
	categoryCeiling = 20

	maxCategorySample = 15
	maxTextSample     = 5
)

var booleanVocabulary = map[string]bool{
	"true": true, "false": false,
	"yes": true, "no": false,
	"y": true, "n": false,
	"t": true, "f": false,
}

// Summary is the derived, read-only description of a dataset.
type Summary struct {
	RowCount int      `json:"row_count"`
	Columns  []Column `json:"columns"`
}

// Column describes one column. Exactly one of the stats pointers is set, matching
// Type; all are nil for empty columns.
type Column struct {
	Name          string         `json:"name"`
	Type          Type           `json:"inferred_type"`
	NullCount     int            `json:"null_count"`
	NonNullCount  int            `json:"non_null_count"`
	DistinctCount int            `json:"distinct_count"`
	Numeric       *NumericStats  `json:"numeric,omitempty"`
	Category      *CategoryStats `json:"category,omitempty"`
	Date          *DateStats     `json:"date,omitempty"`
	Boolean       *BooleanStats  `json:"boolean,omitempty"`
	Text          *TextStats     `json:"text,omitempty"`
}

type NumericStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Sum    float64 `json:"sum"`
	StdDev float64 `json:"stddev"`
}

type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type CategoryStats struct {
	// Values holds the most frequent values, most frequent first.
	Values []ValueCount `json:"values"`
}

type DateStats struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type BooleanStats struct {
	TrueCount  int `json:"true_count"`
	FalseCount int `json:"false_count"`
}

type TextStats struct {
	Samples   []string `json:"samples"`
	MaxLength int      `json:"max_length"`
}

// Column returns the column with the exact name.
func (s *Summary) Column(name string) (*Column, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the column names in dataset order.
func (s *Summary) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}


// Extract computes the summary of ds. It never fails for a well-formed dataset.
func Extract(ds *dataset.Dataset) *Summary {
	s := &Summary{RowCount: ds.NumRows()}
	for _, name := range ds.Columns() {
		values, _ := ds.Column(name)
		s.Columns = append(s.Columns, describe(name, values))
	}
	return s
}

func describe(name string, values []dataset.Value) Column {
	col := Column{Name: name}
	var present []dataset.Value
	for _, v := range values {
		if v.IsNull() {
			col.NullCount++
			continue
		}
		present = append(present, v)
	}
	col.NonNullCount = len(present)
	if len(present) == 0 {
		col.Type = TypeEmpty
		return col
	}

	counts := make(map[string]int)
	var order []string
	for _, v := range present {
		key := v.String()
		if _, ok := counts[key]; !ok {
			order = append(order, key)
		}
		counts[key]++
	}
	col.DistinctCount = len(counts)

	switch {
	case numericShare(present) >= numericThreshold:
		col.Type = TypeNumeric
		col.Numeric = numericStats(present)
	case isBoolean(present, counts):
		col.Type = TypeBoolean
		col.Boolean = booleanStats(present)
	case dateShare(present) >= dateThreshold:
		col.Type = TypeDate
		col.Date = dateStats(present)
	case float64(col.DistinctCount)/float64(col.NonNullCount) < categoryRatio || col.DistinctCount < categoryCeiling:
		col.Type = TypeCategory
		col.Category = categoryStats(counts, order)
	default:
		col.Type = TypeText
		col.Text = textStats(present, order)
	}
	return col
}

func numericShare(values []dataset.Value) float64 {
	n := 0
	for _, v := range values {
		if _, ok := v.Float(); ok {
			n++
		}
	}
	return float64(n) / float64(len(values))
}

func isBoolean(values []dataset.Value, counts map[string]int) bool {
	if len(counts) > 2 {
		return false
	}
	for _, v := range values {
		if v.Kind() == dataset.KindBool {
			continue
		}
		if v.Kind() != dataset.KindText {
			return false
		}
		if _, ok := booleanVocabulary[strings.ToLower(strings.TrimSpace(v.Str()))]; !ok {
			return false
		}
	}
	return true
}

// BoolOf reads a cell as a boolean using the boolean vocabulary.
func BoolOf(v dataset.Value) (bool, bool) {
	switch v.Kind() {
	case dataset.KindBool:
		return v.BoolVal(), true
	case dataset.KindText:
		b, ok := booleanVocabulary[strings.ToLower(strings.TrimSpace(v.Str()))]
		return b, ok
	case dataset.KindNumber:
		f, _ := v.Float()
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	}
	return false, false
}

func dateShare(values []dataset.Value) float64 {
	sample := values
	if len(sample) > dateSampleSize {
		sample = sample[:dateSampleSize]
	}
	n := 0
	for _, v := range sample {
		if _, ok := v.AsDate(); ok {
			n++
		}
	}
	return float64(n) / float64(len(sample))
}

func numericStats(values []dataset.Value) *NumericStats {
	var nums []float64
	for _, v := range values {
		if f, ok := v.Float(); ok {
			nums = append(nums, f)
		}
	}
	st := &NumericStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, f := range nums {
		st.Sum += f
		st.Min = min(st.Min, f)
		st.Max = max(st.Max, f)
	}
	st.Mean = st.Sum / float64(len(nums))
	if len(nums) > 1 {
		var ss float64
		for _, f := range nums {
			ss += (f - st.Mean) * (f - st.Mean)
		}
		st.StdDev = math.Sqrt(ss / float64(len(nums)-1))
	}
	st.Sum = dataset.RoundNumber(st.Sum)
	st.Mean = dataset.RoundNumber(st.Mean)
	st.StdDev = dataset.RoundNumber(st.StdDev)
	return st
}

func booleanStats(values []dataset.Value) *BooleanStats {
	st := &BooleanStats{}
	for _, v := range values {
		if b, ok := BoolOf(v); ok {
			if b {
				st.TrueCount++
			} else {
				st.FalseCount++
			}
		}
	}
	return st
}

func dateStats(values []dataset.Value) *DateStats {
	var dates []dataset.Value
	for _, v := range values {
		if t, ok := v.AsDate(); ok {
			dates = append(dates, dataset.Date(t))
		}
	}
	lo := slices.MinFunc(dates, dataset.Compare)
	hi := slices.MaxFunc(dates, dataset.Compare)
	return &DateStats{Min: lo.String(), Max: hi.String()}
}

func categoryStats(counts map[string]int, order []string) *CategoryStats {
	vals := make([]ValueCount, 0, len(order))
	for _, k := range order {
		vals = append(vals, ValueCount{Value: k, Count: counts[k]})
	}
	slices.SortStableFunc(vals, func(a, b ValueCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	if len(vals) > maxCategorySample {
		vals = vals[:maxCategorySample]
	}
	return &CategoryStats{Values: vals}
}

func textStats(values []dataset.Value, order []string) *TextStats {
	st := &TextStats{}
	for _, v := range values {
		st.MaxLength = max(st.MaxLength, len([]rune(v.String())))
	}
	n := min(len(order), maxTextSample)
	st.Samples = slices.Clone(order[:n])
	return st
}
