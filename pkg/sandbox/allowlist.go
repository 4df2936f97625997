package sandbox

import (
	"slices"
	"strings"
)

// AllowListVersion identifies the set of functions scripts may call. Bump it whenever
// allowedFunctions changes.
const AllowListVersion = "v1"

var allowedFunctions = setOf(
	// aggregates
	"sum", "avg", "mean", "min", "max", "count", "count_if", "median", "mode",
	"quantile", "quantile_cont", "quantile_disc", "stddev", "stddev_samp", "stddev_pop",
	"variance", "var_samp", "var_pop", "corr", "covar_pop", "covar_samp",
	"regr_slope", "regr_intercept", "regr_r2", "first", "last", "any_value",
	"arg_max", "arg_min", "max_by", "min_by", "string_agg", "bool_and", "bool_or",
	"product",
	// window
	"row_number", "rank", "dense_rank", "percent_rank", "cume_dist", "ntile",
	"lag", "lead", "first_value", "last_value", "nth_value",
	// math
	"abs", "round", "floor", "ceil", "ceiling", "sqrt", "power", "pow", "ln", "log",
	"log10", "log2", "exp", "sign", "greatest", "least", "trunc", "isnan", "isfinite",
	// text
	"lower", "upper", "length", "trim", "ltrim", "rtrim", "substr", "substring",
	"replace", "concat", "concat_ws", "contains", "starts_with", "ends_with", "prefix",
	"suffix", "strpos", "instr", "left", "right", "lpad", "rpad", "split_part",
	"regexp_matches", "regexp_replace", "regexp_extract", "reverse",
	// conditionals and casts
	"coalesce", "ifnull", "nullif", "if", "cast", "try_cast",
	// dates
	"date_trunc", "date_part", "datepart", "extract", "year", "month", "day",
	"quarter", "week", "weekday", "dayofweek", "dayofyear", "hour", "minute",
	"date_diff", "datediff", "date_sub", "datesub", "date_add", "strftime", "strptime",
	"make_date", "epoch", "last_day", "monthname", "dayname",
)

// AllowedFunctions returns the allow-listed function names, sorted.
func AllowedFunctions() []string {
	names := make([]string, 0, len(allowedFunctions))
	for name := range allowedFunctions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// deniedKeywords are statements and clauses that touch anything beyond a read-only query.
var deniedKeywords = setOf(
	"attach", "detach", "copy", "export", "import", "install", "load", "force",
	"pragma", "set", "reset", "call", "create", "drop", "alter", "insert", "update",
	"delete", "truncate", "merge", "upsert", "grant", "revoke", "vacuum", "checkpoint",
	"execute", "prepare", "deallocate", "use", "begin", "commit", "rollback",
	"transaction", "describe", "show", "summarize", "explain", "secret", "macro",
	"function", "returning", "into",
)

// callKeywords may legitimately be followed by a parenthesis without being a call.
var callKeywords = setOf(
	"as", "in", "exists", "over", "filter", "values", "on", "using", "and", "or", "not",
	"where", "select", "from", "join", "having", "by", "when", "then", "else", "case",
	"with", "all", "any", "some", "partition", "within", "lateral", "between", "is",
	"like", "ilike", "union", "intersect", "except", "distinct", "qualify", "limit",
	"offset", "window", "sets", "cube", "rollup", "group", "order", "array",
)

var deniedIdentifiers = setOf("information_schema", "pg_catalog")

var deniedPrefixes = []string{"duckdb_", "pragma_", "sqlite_"}

func deniedName(name string) bool {
	name = strings.ToLower(name)
	if _, ok := deniedIdentifiers[name]; ok {
		return true
	}
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func has(set map[string]struct{}, word string) bool {
	_, ok := set[word]
	return ok
}
