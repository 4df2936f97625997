package operations

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
)

// Operator is a row filter comparison.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
)

var operatorNames = []string{
	string(OpEq), string(OpNe), string(OpGt), string(OpGte), string(OpLt), string(OpLte),
	string(OpContains), string(OpNotContains), string(OpStartsWith), string(OpEndsWith),
}

// Function is an aggregate function.
type Function string

const (
	FnSum           Function = "sum"
	FnAvg           Function = "avg"
	FnMin           Function = "min"
	FnMax           Function = "max"
	FnCount         Function = "count"
	FnCountDistinct Function = "count_distinct"
	FnMedian        Function = "median"
	FnStd           Function = "std"
)

var functionNames = []string{
	string(FnSum), string(FnAvg), string(FnMin), string(FnMax),
	string(FnCount), string(FnCountDistinct), string(FnMedian), string(FnStd),
}

// numericFunction reports whether fn needs a numeric column.
func numericFunction(fn Function) bool {
	return fn != FnCount && fn != FnCountDistinct
}

// match reports whether cell satisfies "cell <op> target". Missing cells never match,
// except for ne and not_contains against a present target.
func match(cell dataset.Value, op Operator, target dataset.Value) bool {
	if cell.IsNull() {
		return (op == OpNe || op == OpNotContains) && !target.IsNull()
	}
	switch op {
	case OpEq:
		return compareLoose(cell, target) == 0
	case OpNe:
		return compareLoose(cell, target) != 0
	case OpGt:
		return compareLoose(cell, target) > 0
	case OpGte:
		return compareLoose(cell, target) >= 0
	case OpLt:
		return compareLoose(cell, target) < 0
	case OpLte:
		return compareLoose(cell, target) <= 0
	case OpContains:
		return strings.Contains(strings.ToLower(cell.String()), strings.ToLower(target.String()))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(cell.String()), strings.ToLower(target.String()))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(cell.String()), strings.ToLower(target.String()))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(cell.String()), strings.ToLower(target.String()))
	}
	return false
}

// compareLoose orders two cells reading both as numbers, then both as dates, and
// finally as case-insensitive text.
func compareLoose(a, b dataset.Value) int {
	if x, ok := a.Float(); ok {
		if y, ok := b.Float(); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, ok := a.AsDate(); ok {
		if y, ok := b.AsDate(); ok {
			return x.Compare(y)
		}
	}
	if a.Kind() == dataset.KindBool || b.Kind() == dataset.KindBool {
		bx, okx := boolOf(a)
		by, oky := boolOf(b)
		if okx && oky {
			switch {
			case bx == by:
				return 0
			case !bx:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
}

func boolOf(v dataset.Value) (bool, bool) {
	switch v.Kind() {
	case dataset.KindBool:
		return v.BoolVal(), true
	case dataset.KindText:
		switch strings.ToLower(strings.TrimSpace(v.Str())) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

// filterRows returns the rows of ds where column <op> value.
func filterRows(ds *dataset.Dataset, column string, op Operator, value any) (*dataset.Dataset, error) {
	idx, ok := ds.ColumnIndex(column)
	if !ok {
		return nil, failure.New(failure.OperationFailed, "column %q does not exist", column)
	}
	target, err := dataset.FromAny(value)
	if err != nil {
		return nil, paramError("value", "%v", err)
	}
	return ds.Filter(func(row []dataset.Value) bool {
		return match(row[idx], op, target)
	}), nil
}

// numbers returns the numeric readings of column, skipping missing and unparseable cells.
func numbers(values []dataset.Value) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := v.Float(); ok {
			out = append(out, f)
		}
	}
	return out
}

// aggregate applies fn to the cells of one column.
func aggregate(fn Function, column string, values []dataset.Value) (float64, error) {
	switch fn {
	case FnCount:
		n := 0
		for _, v := range values {
			if !v.IsNull() {
				n++
			}
		}
		return float64(n), nil
	case FnCountDistinct:
		seen := make(map[string]struct{})
		for _, v := range values {
			if !v.IsNull() {
				seen[strings.ToLower(v.String())] = struct{}{}
			}
		}
		return float64(len(seen)), nil
	}

	nums := numbers(values)
	if len(nums) == 0 {
		return 0, failure.New(failure.OperationFailed, "column %q has no numeric values", column)
	}
	switch fn {
	case FnSum:
		return sum(nums), nil
	case FnAvg:
		return sum(nums) / float64(len(nums)), nil
	case FnMin:
		return slices.Min(nums), nil
	case FnMax:
		return slices.Max(nums), nil
	case FnMedian:
		return percentile(nums, 50), nil
	case FnStd:
		if len(nums) < 2 {
			return 0, failure.New(failure.OperationFailed, "column %q needs at least two values for a standard deviation", column)
		}
		return stddev(nums), nil
	}
	return 0, failure.New(failure.OperationParameterInvalid, "unknown aggregate function %q", fn)
}

func sum(nums []float64) float64 {
	// Kahan summation.
	var s, c float64
	for _, f := range nums {
		y := f - c
		t := s + y
		c = (t - s) - y
		s = t
	}
	return s
}

// stddev is the sample standard deviation.
func stddev(nums []float64) float64 {
	mean := sum(nums) / float64(len(nums))
	var ss float64
	for _, f := range nums {
		ss += (f - mean) * (f - mean)
	}
	return math.Sqrt(ss / float64(len(nums)-1))
}

// percentile uses linear interpolation between closest ranks, p in [0, 100].
func percentile(nums []float64, p float64) float64 {
	sorted := slices.Clone(nums)
	slices.Sort(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// aggregateColumnName names the output column of a grouped aggregate.
func aggregateColumnName(fn Function, column string) string {
	if column == "" {
		return string(fn)
	}
	return fmt.Sprintf("%s_%s", fn, column)
}
