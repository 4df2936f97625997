package dataset

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func salesFixture(t *testing.T) *Dataset {
	t.Helper()
	ds, err := New(
		[]string{"Region", "Product", "Revenue"},
		[][]any{
			{"North", "A", 100},
			{"South", "B", 250.5},
			{"North", "C", nil},
			{"East", "A", 75},
		},
	)
	require.NoError(t, err)
	return ds
}

func TestTableQA_Dataset_New(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		columns []string
		rows    [][]any
		errMsg  string
	}{
		{name: "ragged row", columns: []string{"a", "b"}, rows: [][]any{{1}}, errMsg: "row 0 has 1 cells, expected 2"},
		{name: "duplicate column", columns: []string{"a", "a"}, rows: nil, errMsg: `duplicate column name "a"`},
		{name: "empty column name", columns: []string{"a", " "}, rows: nil, errMsg: "column 1 has an empty name"},
		{name: "unsupported cell", columns: []string{"a"}, rows: [][]any{{struct{}{}}}, errMsg: "unsupported cell type"},
		{name: "no rows", columns: []string{"a"}, rows: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.columns, tt.rows)
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestTableQA_Dataset_Immutable(t *testing.T) {
	t.Parallel()

	ds := salesFixture(t)

	col, err := ds.Column("Revenue")
	require.NoError(t, err)
	col[0] = Number(-1)
	require.Equal(t, Number(100), ds.Cell(0, "Revenue"))

	row := ds.Row(0)
	row[0] = Text("mutated")
	require.Equal(t, "North", ds.Cell(0, "Region").Str())

	sorted, err := ds.Sort("Revenue", true)
	require.NoError(t, err)
	require.Equal(t, "B", sorted.Cell(0, "Product").Str())
	require.True(t, sorted.Cell(3, "Revenue").IsNull(), "missing cells sort last")
	require.Equal(t, "A", ds.Cell(0, "Product").Str())

	filtered := ds.Filter(func(r []Value) bool { return r[0].Str() == "North" })
	require.Equal(t, 2, filtered.NumRows())
	require.Equal(t, 4, ds.NumRows())

	cols := ds.Columns()
	cols[0] = "x"
	require.Equal(t, "Region", ds.Columns()[0])
}

func TestTableQA_Dataset_Project(t *testing.T) {
	t.Parallel()

	ds := salesFixture(t)
	p, err := ds.Project([]string{"Revenue", "Region"})
	require.NoError(t, err)
	require.Equal(t, []string{"Revenue", "Region"}, p.Columns())
	require.Equal(t, "South", p.Cell(1, "Region").Str())

	_, err = ds.Project([]string{"Missing"})
	require.ErrorContains(t, err, `column "Missing" does not exist`)

	require.Equal(t, 2, ds.Head(2).NumRows())
	require.Equal(t, 4, ds.Head(10).NumRows())
}

func TestTableQA_Dataset_FromRecords(t *testing.T) {
	t.Parallel()

	ds, err := FromRecords([]map[string]any{
		{"name": "a", "score": 1},
		{"name": "b", "extra": true},
	}, []string{"name"})
	require.NoError(t, err)
	require.Equal(t, []string{"name", "score", "extra"}, ds.Columns())
	require.True(t, ds.Cell(1, "score").IsNull())
	require.True(t, ds.Cell(1, "extra").BoolVal())
}

func TestTableQA_Dataset_JSON(t *testing.T) {
	t.Parallel()

	ds := salesFixture(t)
	data, err := json.Marshal(ds)
	require.NoError(t, err)
	require.JSONEq(t, `{"columns":["Region","Product","Revenue"],"rows":[["North","A",100],["South","B",250.5],["North","C",null],["East","A",75]]}`, string(data))

	var back Dataset
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, ds.NumRows(), back.NumRows())
	require.Equal(t, ds.Columns(), back.Columns())
	require.Equal(t, Number(250.5), back.Cell(1, "Revenue"))
}

func TestTableQA_Dataset_ReadCSV(t *testing.T) {
	t.Parallel()

	t.Run("typed cells", func(t *testing.T) {
		t.Parallel()
		ds, err := ReadCSV(strings.NewReader("\ufeffName, Amount,Date\nalpha,100,2024-01-02\nbeta,,2024-02-03\ngamma,\"$1,200\",\n"))
		require.NoError(t, err)
		require.Equal(t, []string{"Name", "Amount", "Date"}, ds.Columns())
		require.Equal(t, 3, ds.NumRows())
		require.Equal(t, KindNumber, ds.Cell(0, "Amount").Kind())
		require.True(t, ds.Cell(1, "Amount").IsNull())
		require.Equal(t, KindText, ds.Cell(2, "Amount").Kind())
		f, ok := ds.Cell(2, "Amount").Float()
		require.True(t, ok)
		require.Equal(t, 1200.0, f)
	})

	t.Run("non-finite and hex cells stay text", func(t *testing.T) {
		t.Parallel()
		ds, err := ReadCSV(strings.NewReader("Code\nInf\nNaN\n-infinity\n0x1p3\n1e3\n"))
		require.NoError(t, err)
		for row, want := range []string{"Inf", "NaN", "-infinity", "0x1p3"} {
			v := ds.Cell(row, "Code")
			require.Equal(t, KindText, v.Kind(), want)
			require.Equal(t, want, v.Str())
			_, ok := v.Float()
			require.False(t, ok, want)
		}
		require.Equal(t, KindNumber, ds.Cell(4, "Code").Kind())
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		_, err := ReadCSV(strings.NewReader(""))
		require.ErrorContains(t, err, "csv input is empty")
	})

	t.Run("ragged line", func(t *testing.T) {
		t.Parallel()
		_, err := ReadCSV(strings.NewReader("a,b\n1,2,3\n"))
		require.ErrorContains(t, err, "CSV line 2 has 3 fields, expected 2")
	})
}

func TestTableQA_Dataset_Value(t *testing.T) {
	t.Parallel()

	t.Run("parse number", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			in   string
			want float64
			ok   bool
		}{
			{"42", 42, true},
			{"$1,234.50", 1234.5, true},
			{"15%", 15, true},
			{"(20)", -20, true},
			{"€ 3", 3, true},
			{"abc", 0, false},
			{"", 0, false},
			{"NaN", 0, false},
			{"-Inf", 0, false},
			{"0x10", 0, false},
		}
		for _, tt := range tests {
			got, ok := ParseNumber(tt.in)
			require.Equal(t, tt.ok, ok, tt.in)
			require.Equal(t, tt.want, got, tt.in)
		}
	})

	t.Run("format number", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "600", FormatNumber(600))
		require.Equal(t, "0.3", FormatNumber(0.1+0.2))
		require.Equal(t, "-2.5", FormatNumber(-2.5))
		require.Equal(t, "1000000000000", FormatNumber(1e12))
		require.Equal(t, 0.3, RoundNumber(0.1+0.2))
	})

	t.Run("compare", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, -1, Compare(Null(), Number(1)))
		require.Equal(t, 1, Compare(Number(10), Text("9")))
		require.Equal(t, 0, Compare(Text("abc"), Text("ABC")))
		d1 := Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		d2 := Date(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		require.Equal(t, -1, Compare(d1, d2))
		require.Equal(t, "2024-01-01", d1.String())
	})

	t.Run("equal", func(t *testing.T) {
		t.Parallel()
		require.True(t, Number(5).Equal(Text("5")))
		require.True(t, Text("North").Equal(Text("north")))
		require.False(t, Null().Equal(Text("")))
		require.True(t, Null().Equal(Null()))
	})

	t.Run("from any", func(t *testing.T) {
		t.Parallel()
		v, err := FromAny("  ")
		require.NoError(t, err)
		require.True(t, v.IsNull())
		v, err = FromAny(int64(7))
		require.NoError(t, err)
		require.Equal(t, 7.0, v.Any())
		v, err = FromAny(json.Number("2.5"))
		require.NoError(t, err)
		require.Equal(t, 2.5, v.Any())
	})
}
