package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/stretchr/testify/require"
)

func newDuckDBSandbox(t *testing.T, timeout time.Duration) *Sandbox {
	t.Helper()
	ev, err := NewDuckDB(DuckDBConfig{Logger: testLogger()})
	require.NoError(t, err)
	return newSandbox(t, ev, timeout)
}

func regionalSales(t *testing.T) *dataset.Dataset {
	t.Helper()
	var rows [][]any
	for i, region := range []string{"North", "South", "East"} {
		for p := range 5 {
			rows = append(rows, []any{region, fmt.Sprintf("P%d", p), float64(100*(i+1) + 10*p)})
		}
	}
	ds, err := dataset.New([]string{"Region", "Product", "Revenue"}, rows)
	require.NoError(t, err)
	return ds
}

func TestTableQA_Sandbox_DuckDB_Scalar(t *testing.T) {
	t.Parallel()

	sb := newDuckDBSandbox(t, 10*time.Second)
	res, err := sb.Run(context.Background(), Request{
		Script:  `result = SELECT sum(Revenue) AS total FROM df;`,
		Dataset: salesDataset(t),
	})
	require.NoError(t, err)
	require.Equal(t, 600.0, res.Value)
	require.Equal(t, []string{
		"loaded df: 3 rows, 3 columns",
		"bound result",
		"result: 1 rows, 1 columns",
	}, res.Diagnostics)
}

func TestTableQA_Sandbox_DuckDB_TopNPerGroup(t *testing.T) {
	t.Parallel()

	sb := newDuckDBSandbox(t, 10*time.Second)
	res, err := sb.Run(context.Background(), Request{
		Script: `
ranked = SELECT Region, Product, Revenue,
                row_number() OVER (PARTITION BY Region ORDER BY Revenue DESC) AS rn
         FROM df;
result = SELECT Region, Product, Revenue FROM ranked WHERE rn <= 3 ORDER BY Region, Revenue DESC;`,
		Dataset: regionalSales(t),
	})
	require.NoError(t, err)

	table, ok := res.Value.(*dataset.Dataset)
	require.True(t, ok)
	require.Equal(t, []string{"Region", "Product", "Revenue"}, table.Columns())
	require.Equal(t, 9, table.NumRows())

	perRegion := map[string]int{}
	regions, err := table.Column("Region")
	require.NoError(t, err)
	for _, r := range regions {
		perRegion[r.String()]++
	}
	require.Equal(t, map[string]int{"East": 3, "North": 3, "South": 3}, perRegion)
	require.Equal(t, 340.0, table.Cell(0, "Revenue").Any())
}

func TestTableQA_Sandbox_DuckDB_TypedColumns(t *testing.T) {
	t.Parallel()

	ds, err := dataset.New(
		[]string{"Name", "Active", "Joined", "Score"},
		[][]any{
			{"ann", "yes", "2024-01-05", "$1,200"},
			{"bob", "no", "2024-02-10", "800"},
			{"cy", "yes", "2024-03-15", nil},
		},
	)
	require.NoError(t, err)

	table, err := NewTable(ds, nil)
	require.NoError(t, err)
	require.Equal(t, []ColumnType{TypeVarchar, TypeBoolean, TypeTimestamp, TypeDouble}, table.Types)
	require.Equal(t, true, table.Rows[0][1])
	require.Equal(t, 1200.0, table.Rows[0][3])
	require.Nil(t, table.Rows[2][3])

	sb := newDuckDBSandbox(t, 10*time.Second)
	res, err := sb.Run(context.Background(), Request{
		Script:  `result = SELECT count(*) AS n, sum(Score) AS score, max(Joined) AS last FROM df WHERE Active;`,
		Dataset: ds,
	})
	require.NoError(t, err)
	out := res.Value.(*dataset.Dataset)
	require.Equal(t, 1, out.NumRows())
	require.Equal(t, 2.0, out.Cell(0, "n").Any())
	require.Equal(t, 1200.0, out.Cell(0, "score").Any())
	require.Equal(t, "2024-03-15", out.Cell(0, "last").String())
}

func TestTableQA_Sandbox_DuckDB_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		kind   failure.Kind
	}{
		{"unknown column", `result = SELECT Profit FROM df;`, failure.ScriptInvalid},
		{"unknown binding", `result = SELECT * FROM totals;`, failure.ScriptInvalid},
		{"conversion at runtime", `result = SELECT CAST(Product AS INTEGER) AS p FROM df;`, failure.ScriptRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := newDuckDBSandbox(t, 10*time.Second).Run(context.Background(), Request{Script: tt.script, Dataset: salesDataset(t)})
			require.Equal(t, tt.kind, failure.KindOf(err), err)
			require.NotContains(t, failure.MessageOf(err), "\n")
			require.NotNil(t, res)
			require.Contains(t, res.Diagnostics, "loaded df: 3 rows, 3 columns")
		})
	}
}

func TestTableQA_Sandbox_DuckDB_EngineBlocksExternalAccess(t *testing.T) {
	t.Parallel()

	ev, err := NewDuckDB(DuckDBConfig{Logger: testLogger()})
	require.NoError(t, err)
	table, err := NewTable(salesDataset(t), nil)
	require.NoError(t, err)

	// Bypass the scan and hand the engine a file read directly.
	_, err = ev.Evaluate(context.Background(), table, &Script{Bindings: []Binding{
		{Name: "result", Query: "SELECT * FROM read_csv('/etc/hosts')"},
	}})
	require.Error(t, err)
	require.Contains(t, []failure.Kind{failure.ScriptInvalid, failure.ScriptRuntimeError}, failure.KindOf(err))
}

func TestTableQA_Sandbox_DuckDB_MaxResultRows(t *testing.T) {
	t.Parallel()

	ev, err := NewDuckDB(DuckDBConfig{Logger: testLogger(), MaxResultRows: 2})
	require.NoError(t, err)
	sb := newSandbox(t, ev, 10*time.Second)

	_, err = sb.Run(context.Background(), Request{Script: `result = FROM df;`, Dataset: salesDataset(t)})
	require.Equal(t, failure.ScriptRuntimeError, failure.KindOf(err))
	require.Contains(t, err.Error(), "result has more than 2 rows")
}

func TestTableQA_Sandbox_DuckDB_Timeout(t *testing.T) {
	t.Parallel()

	sb := newDuckDBSandbox(t, 100*time.Millisecond)
	start := time.Now()
	_, err := sb.Run(context.Background(), Request{
		Script: `result = SELECT sum(a.Revenue * b.Revenue * c.Revenue * d.Revenue * e.Revenue * f.Revenue * g.Revenue * h.Revenue) AS s
		         FROM df a, df b, df c, df d, df e, df f, df g, df h;`,
		Dataset: regionalSales(t),
	})
	require.Equal(t, failure.ScriptTimeout, failure.KindOf(err), err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTableQA_Sandbox_DuckDB_EmptyDataset(t *testing.T) {
	t.Parallel()

	ds, err := dataset.New([]string{"Amount"}, nil)
	require.NoError(t, err)
	res, err := newDuckDBSandbox(t, 10*time.Second).Run(context.Background(), Request{
		Script:  `result = SELECT Amount FROM df;`,
		Dataset: ds,
	})
	require.NoError(t, err)
	table := res.Value.(*dataset.Dataset)
	require.Equal(t, 0, table.NumRows())
	require.Equal(t, []string{"Amount"}, table.Columns())
}

func TestTableQA_Sandbox_UniqueNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "a_2", "b", "column4"}, uniqueNames([]string{"a", "a", "b", ""}))
}
