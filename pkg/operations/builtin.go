package operations

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

const defaultListLimit = 100

type ColumnParams struct {
	Column string `json:"column" jsonschema:"exact name of the column"`
}

type LimitedColumnParams struct {
	Column string `json:"column" jsonschema:"exact name of the column"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of values or rows to return"`
}

type NoParams struct{}

type ConditionParams struct {
	Column   string `json:"column" jsonschema:"column the condition is evaluated on"`
	Operator string `json:"operator" jsonschema:"comparison operator"`
	Value    any    `json:"value" jsonschema:"value the column is compared with"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of rows to return"`
}

type AggregateWhereParams struct {
	Function     string `json:"function" jsonschema:"aggregate function applied to the matching rows"`
	Column       string `json:"column,omitempty" jsonschema:"column to aggregate (not needed for count)"`
	FilterColumn string `json:"filter_column" jsonschema:"column the condition is evaluated on"`
	Operator     string `json:"operator" jsonschema:"comparison operator"`
	Value        any    `json:"value" jsonschema:"value the filter column is compared with"`
}

type SortParams struct {
	Column     string `json:"column" jsonschema:"column to sort by"`
	Descending bool   `json:"descending,omitempty" jsonschema:"sort from largest to smallest"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of rows to return"`
}

type RankParams struct {
	Column  string   `json:"column" jsonschema:"column to rank rows by"`
	N       int      `json:"n" jsonschema:"number of rows to return"`
	Columns []string `json:"columns,omitempty" jsonschema:"columns to include in the result (all when empty)"`
}

type GroupAggregateParams struct {
	GroupBy  string `json:"group_by" jsonschema:"column whose distinct values form the groups"`
	Function string `json:"function" jsonschema:"aggregate function applied to each group"`
	Column   string `json:"column,omitempty" jsonschema:"column to aggregate (not needed for count)"`
	Sort     string `json:"sort,omitempty" jsonschema:"order of the groups by aggregated value: none, asc or desc"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of groups to return"`
}

type LookupParams struct {
	KeyColumn    string `json:"key_column" jsonschema:"column used to find the row"`
	KeyValue     any    `json:"key_value" jsonschema:"value the key column must equal"`
	ReturnColumn string `json:"return_column" jsonschema:"column whose value is returned"`
}

type SelectParams struct {
	Columns []string `json:"columns" jsonschema:"columns to keep, in order"`
	Limit   int      `json:"limit,omitempty" jsonschema:"maximum number of rows to return"`
}

type PercentileParams struct {
	Column     string  `json:"column" jsonschema:"numeric column"`
	Percentile float64 `json:"percentile" jsonschema:"percentile between 0 and 100"`
}

// Builtins returns a fresh instance of every built-in operation, in catalog order.
func Builtins() []Spec {
	return []Spec{
		numericAggregate("calculate_sum", "Sum of all values in a numeric column.", FnSum),
		numericAggregate("calculate_average", "Arithmetic mean of a numeric column.", FnAvg),
		numericAggregate("calculate_min", "Smallest value in a numeric column.", FnMin),
		numericAggregate("calculate_max", "Largest value in a numeric column.", FnMax),
		numericAggregate("calculate_median", "Median of a numeric column.", FnMedian),
		numericAggregate("calculate_std", "Sample standard deviation of a numeric column.", FnStd),
		countRows(),
		countDistinct(),
		countWhere(),
		aggregateWhere(),
		listUnique(),
		filterRowsOp(),
		sortRows(),
		rank("top_n", "Rows with the largest values of a column.", true),
		rank("bottom_n", "Rows with the smallest values of a column.", false),
		groupAggregate(),
		valueCounts(),
		lookup(),
		selectColumns(),
		percentileOp(),
		describeColumn(),
	}
}

func numericAggregate(name, description string, fn Function) Spec {
	return &op[ColumnParams]{
		name:        name,
		description: description,
		validate: func(p *ColumnParams, s *schema.Summary) error {
			return requireNumeric(s, "column", p.Column)
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *ColumnParams) (any, error) {
			values, err := ds.Column(p.Column)
			if err != nil {
				return nil, err
			}
			return aggregate(fn, p.Column, values)
		},
	}
}

func countRows() Spec {
	return &op[NoParams]{
		name:        "count_rows",
		description: "Number of rows in the dataset.",
		execute: func(_ context.Context, ds *dataset.Dataset, _ *NoParams) (any, error) {
			return float64(ds.NumRows()), nil
		},
	}
}

func countDistinct() Spec {
	return &op[ColumnParams]{
		name:        "count_distinct",
		description: "Number of distinct non-missing values in a column.",
		validate: func(p *ColumnParams, s *schema.Summary) error {
			_, err := requireColumn(s, "column", p.Column)
			return err
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *ColumnParams) (any, error) {
			values, err := ds.Column(p.Column)
			if err != nil {
				return nil, err
			}
			return aggregate(FnCountDistinct, p.Column, values)
		},
	}
}

func validateCondition(s *schema.Summary, columnParam, column, operator string) error {
	col, err := requireColumn(s, columnParam, column)
	if err != nil {
		return err
	}
	switch Operator(operator) {
	case OpGt, OpGte, OpLt, OpLte:
		switch col.Type {
		case schema.TypeNumeric, schema.TypeDate:
		default:
			return paramError("operator", "%s needs a numeric or date column, %q is %s", operator, column, col.Type)
		}
	case "":
		return paramError("operator", "is required")
	}
	if !slices.Contains(operatorNames, operator) {
		return paramError("operator", "unknown operator %q", operator)
	}
	return nil
}

func countWhere() Spec {
	return &op[ConditionParams]{
		name:        "count_where",
		description: "Number of rows where a column satisfies a condition.",
		enums:       map[string][]string{"operator": operatorNames},
		validate: func(p *ConditionParams, s *schema.Summary) error {
			return validateCondition(s, "column", p.Column, p.Operator)
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *ConditionParams) (any, error) {
			out, err := filterRows(ds, p.Column, Operator(p.Operator), p.Value)
			if err != nil {
				return nil, err
			}
			return float64(out.NumRows()), nil
		},
	}
}

func aggregateWhere() Spec {
	return &op[AggregateWhereParams]{
		name:        "aggregate_where",
		description: "Aggregate a column over the rows where another column satisfies a condition.",
		enums: map[string][]string{
			"operator": operatorNames,
			"function": functionNames,
		},
		validate: func(p *AggregateWhereParams, s *schema.Summary) error {
			if err := validateFunction(s, p.Function, p.Column); err != nil {
				return err
			}
			return validateCondition(s, "filter_column", p.FilterColumn, p.Operator)
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *AggregateWhereParams) (any, error) {
			rows, err := filterRows(ds, p.FilterColumn, Operator(p.Operator), p.Value)
			if err != nil {
				return nil, err
			}
			if rows.NumRows() == 0 && Function(p.Function) != FnCount && Function(p.Function) != FnCountDistinct {
				return nil, failure.New(failure.OperationFailed, "no rows where %s %s %v", p.FilterColumn, p.Operator, p.Value)
			}
			column := p.Column
			if column == "" {
				column = p.FilterColumn
			}
			values, err := rows.Column(column)
			if err != nil {
				return nil, err
			}
			return aggregate(Function(p.Function), column, values)
		},
	}
}

func validateFunction(s *schema.Summary, fn, column string) error {
	if !slices.Contains(functionNames, fn) {
		return paramError("function", "unknown aggregate function %q", fn)
	}
	if numericFunction(Function(fn)) {
		return requireNumeric(s, "column", column)
	}
	if column != "" {
		_, err := requireColumn(s, "column", column)
		return err
	}
	return nil
}

func listUnique() Spec {
	return &op[LimitedColumnParams]{
		name:        "list_unique",
		description: "Distinct values of a column in order of first appearance.",
		minimums:    map[string]float64{"limit": 0},
		validate: func(p *LimitedColumnParams, s *schema.Summary) error {
			_, err := requireColumn(s, "column", p.Column)
			return err
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *LimitedColumnParams) (any, error) {
			values, err := ds.Column(p.Column)
			if err != nil {
				return nil, err
			}
			limit := p.Limit
			if limit == 0 {
				limit = defaultListLimit
			}
			seen := make(map[string]struct{})
			out := []dataset.Value{}
			for _, v := range values {
				if v.IsNull() {
					continue
				}
				key := strings.ToLower(v.String())
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, v)
				if len(out) == limit {
					break
				}
			}
			return out, nil
		},
	}
}

func filterRowsOp() Spec {
	return &op[ConditionParams]{
		name:        "filter_rows",
		description: "Rows where a column satisfies a condition.",
		enums:       map[string][]string{"operator": operatorNames},
		minimums:    map[string]float64{"limit": 0},
		validate: func(p *ConditionParams, s *schema.Summary) error {
			return validateCondition(s, "column", p.Column, p.Operator)
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *ConditionParams) (any, error) {
			out, err := filterRows(ds, p.Column, Operator(p.Operator), p.Value)
			if err != nil {
				return nil, err
			}
			if p.Limit > 0 {
				out = out.Head(p.Limit)
			}
			return out, nil
		},
	}
}

func sortRows() Spec {
	return &op[SortParams]{
		name:        "sort_rows",
		description: "All rows ordered by a column.",
		minimums:    map[string]float64{"limit": 0},
		validate: func(p *SortParams, s *schema.Summary) error {
			return requireSortable(s, "column", p.Column)
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *SortParams) (any, error) {
			out, err := ds.Sort(p.Column, p.Descending)
			if err != nil {
				return nil, err
			}
			if p.Limit > 0 {
				out = out.Head(p.Limit)
			}
			return out, nil
		},
	}
}

func rank(name, description string, largest bool) Spec {
	return &op[RankParams]{
		name:        name,
		description: description,
		minimums:    map[string]float64{"n": 1},
		validate: func(p *RankParams, s *schema.Summary) error {
			if err := requireSortable(s, "column", p.Column); err != nil {
				return err
			}
			if p.N < 1 {
				return paramError("n", "must be at least 1, got %d", p.N)
			}
			for _, c := range p.Columns {
				if _, err := requireColumn(s, "columns", c); err != nil {
					return err
				}
			}
			return nil
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *RankParams) (any, error) {
			idx, _ := ds.ColumnIndex(p.Column)
			present := ds.Filter(func(row []dataset.Value) bool { return !row[idx].IsNull() })
			out, err := present.Sort(p.Column, largest)
			if err != nil {
				return nil, err
			}
			out = out.Head(p.N)
			if len(p.Columns) > 0 {
				cols := slices.Clone(p.Columns)
				if !slices.Contains(cols, p.Column) {
					cols = append(cols, p.Column)
				}
				return out.Project(cols)
			}
			return out, nil
		},
	}
}

func groupAggregate() Spec {
	return &op[GroupAggregateParams]{
		name:        "group_aggregate",
		description: "Aggregate a column for each distinct value of a grouping column.",
		enums: map[string][]string{
			"function": functionNames,
			"sort":     {"none", "asc", "desc"},
		},
		minimums: map[string]float64{"limit": 0},
		validate: func(p *GroupAggregateParams, s *schema.Summary) error {
			if _, err := requireColumn(s, "group_by", p.GroupBy); err != nil {
				return err
			}
			return validateFunction(s, p.Function, p.Column)
		},
		execute: func(ctx context.Context, ds *dataset.Dataset, p *GroupAggregateParams) (any, error) {
			gi, _ := ds.ColumnIndex(p.GroupBy)
			ai := gi
			if p.Column != "" {
				ai, _ = ds.ColumnIndex(p.Column)
			}
			type group struct {
				key    dataset.Value
				values []dataset.Value
			}
			groups := map[string]*group{}
			var order []string
			for _, row := range ds.Rows() {
				k := row[gi]
				if k.IsNull() {
					continue
				}
				key := strings.ToLower(k.String())
				g, ok := groups[key]
				if !ok {
					g = &group{key: k}
					groups[key] = g
					order = append(order, key)
				}
				g.values = append(g.values, row[ai])
			}

			fn := Function(p.Function)
			type result struct {
				key dataset.Value
				agg float64
			}
			results := make([]result, 0, len(order))
			for _, key := range order {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				g := groups[key]
				if numericFunction(fn) && len(numbers(g.values)) == 0 {
					continue
				}
				agg, err := aggregate(fn, p.Column, g.values)
				if err != nil {
					return nil, err
				}
				results = append(results, result{key: g.key, agg: agg})
			}
			if len(results) == 0 && len(order) > 0 {
				return nil, failure.New(failure.OperationFailed, "column %q has no numeric values in any group", p.Column)
			}

			switch p.Sort {
			case "asc":
				slices.SortStableFunc(results, func(a, b result) int { return cmp.Compare(a.agg, b.agg) })
			case "desc":
				slices.SortStableFunc(results, func(a, b result) int { return cmp.Compare(b.agg, a.agg) })
			}
			if p.Limit > 0 && len(results) > p.Limit {
				results = results[:p.Limit]
			}

			rows := make([][]dataset.Value, len(results))
			for i, r := range results {
				rows[i] = []dataset.Value{r.key, dataset.Number(r.agg)}
			}
			aggName := aggregateColumnName(fn, p.Column)
			if aggName == p.GroupBy {
				aggName = string(fn) + "_value"
			}
			return dataset.FromValues([]string{p.GroupBy, aggName}, rows)
		},
	}
}

func valueCounts() Spec {
	return &op[LimitedColumnParams]{
		name:        "value_counts",
		description: "How many times each distinct value of a column occurs, most frequent first.",
		minimums:    map[string]float64{"limit": 0},
		validate: func(p *LimitedColumnParams, s *schema.Summary) error {
			_, err := requireColumn(s, "column", p.Column)
			return err
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *LimitedColumnParams) (any, error) {
			values, err := ds.Column(p.Column)
			if err != nil {
				return nil, err
			}
			type count struct {
				value dataset.Value
				n     int
			}
			counts := map[string]*count{}
			var order []string
			for _, v := range values {
				if v.IsNull() {
					continue
				}
				key := strings.ToLower(v.String())
				c, ok := counts[key]
				if !ok {
					c = &count{value: v}
					counts[key] = c
					order = append(order, key)
				}
				c.n++
			}
			list := make([]*count, len(order))
			for i, k := range order {
				list[i] = counts[k]
			}
			slices.SortStableFunc(list, func(a, b *count) int { return cmp.Compare(b.n, a.n) })
			if p.Limit > 0 && len(list) > p.Limit {
				list = list[:p.Limit]
			}
			rows := make([][]dataset.Value, len(list))
			for i, c := range list {
				rows[i] = []dataset.Value{c.value, dataset.Number(float64(c.n))}
			}
			countName := "count"
			if p.Column == countName {
				countName = "occurrences"
			}
			return dataset.FromValues([]string{p.Column, countName}, rows)
		},
	}
}

func lookup() Spec {
	return &op[LookupParams]{
		name:        "lookup",
		description: "Value of one column in the row(s) where another column equals a key.",
		validate: func(p *LookupParams, s *schema.Summary) error {
			if _, err := requireColumn(s, "key_column", p.KeyColumn); err != nil {
				return err
			}
			if p.KeyValue == nil {
				return paramError("key_value", "is required")
			}
			_, err := requireColumn(s, "return_column", p.ReturnColumn)
			return err
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *LookupParams) (any, error) {
			rows, err := filterRows(ds, p.KeyColumn, OpEq, p.KeyValue)
			if err != nil {
				return nil, err
			}
			values, err := rows.Column(p.ReturnColumn)
			if err != nil {
				return nil, err
			}
			switch len(values) {
			case 0:
				return nil, failure.New(failure.OperationFailed, "no row where %s equals %v", p.KeyColumn, p.KeyValue)
			case 1:
				if values[0].IsNull() {
					return nil, failure.New(failure.OperationFailed, "%s is missing for %s %v", p.ReturnColumn, p.KeyColumn, p.KeyValue)
				}
				return values[0].Any(), nil
			}
			return values, nil
		},
	}
}

func selectColumns() Spec {
	return &op[SelectParams]{
		name:        "select_columns",
		description: "Keep only the given columns.",
		minimums:    map[string]float64{"limit": 0},
		validate: func(p *SelectParams, s *schema.Summary) error {
			if len(p.Columns) == 0 {
				return paramError("columns", "must name at least one column")
			}
			for _, c := range p.Columns {
				if _, err := requireColumn(s, "columns", c); err != nil {
					return err
				}
			}
			return nil
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *SelectParams) (any, error) {
			out, err := ds.Project(p.Columns)
			if err != nil {
				return nil, err
			}
			if p.Limit > 0 {
				out = out.Head(p.Limit)
			}
			return out, nil
		},
	}
}

func percentileOp() Spec {
	return &op[PercentileParams]{
		name:        "percentile",
		description: "Value below which the given percentage of a numeric column falls.",
		minimums:    map[string]float64{"percentile": 0},
		validate: func(p *PercentileParams, s *schema.Summary) error {
			if err := requireNumeric(s, "column", p.Column); err != nil {
				return err
			}
			if p.Percentile < 0 || p.Percentile > 100 {
				return paramError("percentile", "must be between 0 and 100, got %v", p.Percentile)
			}
			return nil
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *PercentileParams) (any, error) {
			values, err := ds.Column(p.Column)
			if err != nil {
				return nil, err
			}
			nums := numbers(values)
			if len(nums) == 0 {
				return nil, failure.New(failure.OperationFailed, "column %q has no numeric values", p.Column)
			}
			return percentile(nums, p.Percentile), nil
		},
	}
}

func describeColumn() Spec {
	return &op[ColumnParams]{
		name:        "describe_column",
		description: "Summary statistics of a column.",
		validate: func(p *ColumnParams, s *schema.Summary) error {
			_, err := requireColumn(s, "column", p.Column)
			return err
		},
		execute: func(_ context.Context, ds *dataset.Dataset, p *ColumnParams) (any, error) {
			single, err := ds.Project([]string{p.Column})
			if err != nil {
				return nil, err
			}
			col := schema.Extract(single).Columns[0]
			rows := [][]dataset.Value{
				{dataset.Text("type"), dataset.Text(string(col.Type))},
				{dataset.Text("count"), dataset.Number(float64(col.NonNullCount))},
				{dataset.Text("missing"), dataset.Number(float64(col.NullCount))},
				{dataset.Text("distinct"), dataset.Number(float64(col.DistinctCount))},
			}
			switch {
			case col.Numeric != nil:
				values, _ := single.Column(p.Column)
				nums := numbers(values)
				rows = append(rows,
					[]dataset.Value{dataset.Text("mean"), dataset.Number(col.Numeric.Mean)},
					[]dataset.Value{dataset.Text("std"), dataset.Number(col.Numeric.StdDev)},
					[]dataset.Value{dataset.Text("min"), dataset.Number(col.Numeric.Min)},
					[]dataset.Value{dataset.Text("25%"), dataset.Number(percentile(nums, 25))},
					[]dataset.Value{dataset.Text("50%"), dataset.Number(percentile(nums, 50))},
					[]dataset.Value{dataset.Text("75%"), dataset.Number(percentile(nums, 75))},
					[]dataset.Value{dataset.Text("max"), dataset.Number(col.Numeric.Max)},
				)
			case col.Category != nil && len(col.Category.Values) > 0:
				top := col.Category.Values[0]
				rows = append(rows,
					[]dataset.Value{dataset.Text("top"), dataset.Text(top.Value)},
					[]dataset.Value{dataset.Text("freq"), dataset.Number(float64(top.Count))},
				)
			case col.Date != nil:
				rows = append(rows,
					[]dataset.Value{dataset.Text("first"), dataset.Text(col.Date.Min)},
					[]dataset.Value{dataset.Text("last"), dataset.Text(col.Date.Max)},
				)
			case col.Boolean != nil:
				rows = append(rows,
					[]dataset.Value{dataset.Text("true"), dataset.Number(float64(col.Boolean.TrueCount))},
					[]dataset.Value{dataset.Text("false"), dataset.Number(float64(col.Boolean.FalseCount))},
				)
			}
			return dataset.FromValues([]string{"statistic", "value"}, rows)
		},
	}
}

// String renders an operation call for logs and attempt histories.
func String(name string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
