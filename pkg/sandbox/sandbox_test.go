package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/stretchr/testify/require"
)

type stubEvaluator struct {
	calls  atomic.Int32
	result *dataset.Dataset
	err    error
	block  bool
}

func (s *stubEvaluator) Evaluate(ctx context.Context, _ *Table, _ *Script) (*Evaluation, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return &Evaluation{Diagnostics: []string{"interrupted"}}, ctx.Err()
	}
	return &Evaluation{Result: s.result, Diagnostics: []string{"stub"}}, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func salesDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(
		[]string{"Region", "Product", "Revenue"},
		[][]any{
			{"North", "Widget", 100},
			{"South", "Gadget", 200},
			{"North", "Gizmo", 300},
		},
	)
	require.NoError(t, err)
	return ds
}

func newSandbox(t *testing.T, ev Evaluator, timeout time.Duration) *Sandbox {
	t.Helper()
	sb, err := New(Config{Logger: testLogger(), Evaluator: ev, Timeout: timeout})
	require.NoError(t, err)
	return sb
}

func TestTableQA_Sandbox_UnsafeScriptsNeverReachEvaluator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"file read function", `result = SELECT * FROM read_csv('/etc/passwd');`, "function read_csv is not allowed"},
		{"file replacement scan", `result = SELECT * FROM '/etc/passwd';`, `file reference "/etc/passwd" is not allowed`},
		{"quoted file identifier", `result = SELECT * FROM "secrets.parquet";`, `file reference "secrets.parquet" is not allowed`},
		{"file in join", `result = SELECT * FROM df JOIN 'other.csv' USING (Region);`, `file reference "other.csv" is not allowed`},
		{"file in nested from", `result = SELECT * FROM (FROM 'x.json');`, `file reference "x.json" is not allowed`},
		{"copy", `result = SELECT 1; COPY df TO 'out.csv';`, "keyword COPY is not allowed"},
		{"attach", `ATTACH 'other.db'; result = SELECT 1;`, "keyword ATTACH is not allowed"},
		{"install", `result = SELECT 1; INSTALL httpfs;`, "keyword INSTALL is not allowed"},
		{"load", `result = SELECT 1; LOAD httpfs;`, "keyword LOAD is not allowed"},
		{"pragma", `result = SELECT 1; PRAGMA database_list;`, "keyword PRAGMA is not allowed"},
		{"set", `result = SELECT 1; SET enable_external_access = true;`, "keyword SET is not allowed"},
		{"drop", `result = SELECT 1; DROP TABLE df;`, "keyword DROP is not allowed"},
		{"environment", `result = SELECT getenv('HOME');`, "function getenv is not allowed"},
		{"network", `result = SELECT * FROM read_json('https://example.com/x');`, "function read_json is not allowed"},
		{"glob", `result = SELECT * FROM glob('*');`, "function glob is not allowed"},
		{"function after comma in from", `result = SELECT * FROM df, read_text('x');`, "function read_text is not allowed"},
		{"lateral function", `result = SELECT * FROM df, LATERAL read_blob('x');`, "function read_blob is not allowed"},
		{"system catalog function", `result = SELECT * FROM duckdb_settings();`, "system catalog duckdb_settings is not allowed"},
		{"information schema", `result = SELECT * FROM information_schema.tables;`, "system catalog information_schema is not allowed"},
		{"quoted function call", `result = SELECT "read_text"('x');`, "function read_text is not allowed"},
		{"method call", `result = SELECT Region.read_blob() FROM df;`, "function read_blob is not allowed"},
		{"dollar quoting", `result = SELECT * FROM $$/etc/passwd$$;`, "dollar-quoted strings are not allowed"},
		{"escape string", `result = SELECT E'\x41';`, "escape string literals are not allowed"},
		{"keyword hidden after comment", "result = SELECT 1 -- harmless\n; CALL pragma_version();", "keyword CALL is not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := &stubEvaluator{}
			res, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: tt.script, Dataset: salesDataset(t)})
			require.Nil(t, res, "rejected scripts produce no output")
			require.Equal(t, failure.ScriptUnsafe, failure.KindOf(err), err)
			require.Contains(t, err.Error(), tt.want)
			require.Zero(t, ev.calls.Load())
		})
	}
}

func TestTableQA_Sandbox_SafeScriptsPassTheScan(t *testing.T) {
	t.Parallel()

	scripts := []string{
		`result = SELECT sum(Revenue) FROM df;`,
		`result = FROM df SELECT Region, avg("Revenue") AS avg_revenue GROUP BY ALL;`,
		`ranked = SELECT *, row_number() OVER (PARTITION BY Region ORDER BY Revenue DESC) AS rn FROM df;
		 result = SELECT Region, Product, Revenue FROM ranked WHERE rn <= 3 ORDER BY Region, rn;`,
		`result = SELECT CAST(Revenue AS DECIMAL(10, 2)) AS r, Revenue::VARCHAR AS s FROM df WHERE Region IN ('North', 'South');`,
		`result = WITH t AS (SELECT Region, count(*) AS n FROM df GROUP BY Region) SELECT * FROM t WHERE Region IS DISTINCT FROM 'East';`,
		`result = SELECT count(*) FILTER (WHERE Revenue > 100) FROM df;`,
		`result = SELECT * FROM df WHERE Product LIKE 'W%' /* comment with DROP */;`,
		`result = SELECT extract(year FROM DATE '2024-03-01') AS y;`,
		`result = SELECT t.a FROM df t(a, b);`,
		`result = SELECT * FROM df JOIN df "d2"(r) ON d2.r = df.Region;`,
		`result = SELECT s.n FROM (SELECT count(*) FROM df) s(n);`,
	}
	for _, script := range scripts {
		_, err := Check(script)
		require.NoError(t, err, script)
	}
}

func TestTableQA_Sandbox_StructureCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		kind   failure.Kind
		want   string
	}{
		{"empty", "  -- nothing\n", failure.ScriptInvalid, "script is empty"},
		{"unterminated string", `result = SELECT 'abc FROM df;`, failure.ScriptInvalid, "unterminated quote"},
		{"unbalanced parens", `result = SELECT sum(Revenue FROM df;`, failure.ScriptInvalid, "unbalanced parentheses"},
		{"not an assignment", `SELECT 1;`, failure.ScriptInvalid, "statement 1 is not of the form name = query"},
		{"reserved name", `df = SELECT 1; result = SELECT 2;`, failure.ScriptInvalid, "reserved for the dataset"},
		{"duplicate binding", `a = SELECT 1; a = SELECT 2; result = SELECT 3;`, failure.ScriptInvalid, "binding a is assigned more than once"},
		{"non-query binding", `result = 1 + 1;`, failure.ScriptInvalid, "must be a SELECT, WITH or FROM query"},
		{"missing result", `total = SELECT sum(Revenue) FROM df;`, failure.ResultMissing, "script does not assign result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := &stubEvaluator{}
			res, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: tt.script, Dataset: salesDataset(t)})
			require.Nil(t, res)
			require.Equal(t, tt.kind, failure.KindOf(err), err)
			require.Contains(t, err.Error(), tt.want)
			require.Zero(t, ev.calls.Load())
		})
	}
}

func TestTableQA_Sandbox_Parse(t *testing.T) {
	t.Parallel()

	script, err := Check("totals = SELECT Region, sum(Revenue) AS total\n  FROM df GROUP BY Region;\nResult = SELECT * FROM totals ORDER BY total DESC")
	require.NoError(t, err)
	require.Equal(t, []Binding{
		{Name: "totals", Query: "SELECT Region, sum(Revenue) AS total\n  FROM df GROUP BY Region"},
		{Name: "result", Query: "SELECT * FROM totals ORDER BY total DESC"},
	}, script.Bindings)

	script, err = Check(`result = SELECT ';' AS semi;`)
	require.NoError(t, err)
	require.Len(t, script.Bindings, 1)
	require.Equal(t, `SELECT ';' AS semi`, script.Bindings[0].Query)
}

func TestTableQA_Sandbox_Run(t *testing.T) {
	t.Parallel()

	t.Run("single cell is a scalar", func(t *testing.T) {
		t.Parallel()
		cell, err := dataset.New([]string{"total"}, [][]any{{600}})
		require.NoError(t, err)
		ev := &stubEvaluator{result: cell}
		res, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: `result = SELECT sum(Revenue) AS total FROM df;`, Dataset: salesDataset(t)})
		require.NoError(t, err)
		require.Equal(t, 600.0, res.Value)
		require.Equal(t, []string{"stub"}, res.Diagnostics)
		require.EqualValues(t, 1, ev.calls.Load())
	})

	t.Run("table stays a dataset", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{result: salesDataset(t)}
		res, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.NoError(t, err)
		table, ok := res.Value.(*dataset.Dataset)
		require.True(t, ok)
		require.Equal(t, 3, table.NumRows())
	})

	t.Run("untyped evaluator errors are runtime errors", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{err: errors.New("Conversion Error: Could not convert string 'North' to DOUBLE\nLINE 1: ...")}
		res, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.Equal(t, failure.ScriptRuntimeError, failure.KindOf(err))
		require.Equal(t, "Conversion Error: Could not convert string 'North' to DOUBLE", failure.MessageOf(err))
		require.NotNil(t, res)
		require.Equal(t, []string{"stub"}, res.Diagnostics)
	})

	t.Run("typed evaluator errors pass through", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{err: failure.New(failure.ScriptInvalid, "binding result: unknown column")}
		_, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.Equal(t, failure.ScriptInvalid, failure.KindOf(err))
	})

	t.Run("no result", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{}
		_, err := newSandbox(t, ev, time.Second).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.Equal(t, failure.ResultMissing, failure.KindOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{block: true}
		_, err := newSandbox(t, ev, 20*time.Millisecond).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.Equal(t, failure.ScriptTimeout, failure.KindOf(err))
	})

	t.Run("request timeout overrides config", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{block: true}
		start := time.Now()
		_, err := newSandbox(t, ev, time.Hour).Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t), Timeout: 20 * time.Millisecond})
		require.Equal(t, failure.ScriptTimeout, failure.KindOf(err))
		require.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		t.Parallel()
		ev := &stubEvaluator{block: true}
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		_, err := newSandbox(t, ev, time.Hour).Run(ctx, Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
		require.Equal(t, failure.Canceled, failure.KindOf(err))
	})
}

func TestTableQA_Sandbox_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Evaluator: &stubEvaluator{}})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: testLogger()})
	require.ErrorContains(t, err, "evaluator is required")

	cfg := Config{Logger: testLogger(), Evaluator: &stubEvaluator{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultTimeout, cfg.Timeout)
}

func TestTableQA_Sandbox_AllowList(t *testing.T) {
	t.Parallel()

	names := AllowedFunctions()
	require.Contains(t, names, "sum")
	require.Contains(t, names, "row_number")
	require.NotContains(t, names, "read_csv")
	require.IsNonDecreasing(t, names)
	require.Equal(t, "v1", AllowListVersion)
}
