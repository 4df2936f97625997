package cli

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/malbeclabs/tableqa/pkg/classifier"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/formatter"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/malbeclabs/tableqa/pkg/schema"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader(header)
	return table
}

func printResult(w io.Writer, res *analyzer.AnalysisResult) {
	table := newTable(w, []string{"Field", "Value"})
	table.Append([]string{"Request", res.RequestID})
	table.Append([]string{"Status", res.Status})
	if res.Complexity != "" {
		table.Append([]string{"Complexity", fmt.Sprintf("%s (%.2f)", res.Complexity, res.Confidence)})
	}
	if res.Tier != "" {
		table.Append([]string{"Tier", string(res.Tier)})
	}
	if res.Operation != "" {
		table.Append([]string{"Operation", res.Operation})
	}
	if res.OK() {
		table.Append([]string{"Result type", string(res.ResultType)})
		table.Append([]string{"Answer", res.Display})
	} else {
		table.Append([]string{"Error", fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)})
	}
	table.Append([]string{"Duration", fmt.Sprintf("%dms", res.DurationMS)})
	table.Render()

	if res.Table != nil {
		printPreview(w, res.Table)
	}
	if res.Error != nil && len(res.Error.Attempts) > 0 {
		printAttempts(w, res.Error.Attempts)
	}
}

func printPreview(w io.Writer, t *formatter.Table) {
	table := newTable(w, t.Headers)
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cellString(cell)
		}
		table.Append(cells)
	}
	table.Render()
}

func printAttempts(w io.Writer, attempts []analyzer.AttemptInfo) {
	table := newTable(w, []string{"#", "Tier", "Operation", "Kind", "Error"})
	for i, a := range attempts {
		table.Append([]string{strconv.Itoa(i + 1), string(a.Tier), a.Operation, string(a.Kind), a.Error})
	}
	table.Render()
}

func printBatch(w io.Writer, results []*analyzer.AnalysisResult) {
	table := newTable(w, []string{"#", "Question", "Status", "Tier", "Answer"})
	for i, res := range results {
		answer := res.Display
		if !res.OK() {
			answer = fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)
		}
		table.Append([]string{strconv.Itoa(i + 1), res.Query, res.Status, string(res.Tier), answer})
	}
	table.Render()
}

func printClassification(w io.Writer, res classifier.Result) {
	table := newTable(w, []string{"Field", "Value"})
	table.Append([]string{"Complexity", string(res.Complexity)})
	table.Append([]string{"Confidence", strconv.FormatFloat(res.Confidence, 'f', 2, 64)})
	table.Append([]string{"Ambiguous", strconv.FormatBool(res.Ambiguous)})
	table.Append([]string{"Reason", res.Reason})
	if res.Operation != "" {
		table.Append([]string{"Operation", res.Operation})
		keys := make([]string, 0, len(res.Params))
		for k := range res.Params {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			table.Append([]string{"Param " + k, cellString(res.Params[k])})
		}
	}
	table.Render()
}

func printSchema(w io.Writer, s *schema.Summary) {
	fmt.Fprintf(w, "%d rows\n", s.RowCount)
	table := newTable(w, []string{"Column", "Type", "Non-null\n(#)", "Null\n(#)", "Distinct\n(#)", "Detail"})
	for _, c := range s.Columns {
		table.Append([]string{
			c.Name,
			string(c.Type),
			strconv.Itoa(c.NonNullCount),
			strconv.Itoa(c.NullCount),
			strconv.Itoa(c.DistinctCount),
			columnDetail(c),
		})
	}
	table.Render()
}

func columnDetail(c schema.Column) string {
	switch {
	case c.Numeric != nil:
		return fmt.Sprintf("min %s, max %s, mean %s",
			dataset.FormatNumber(c.Numeric.Min), dataset.FormatNumber(c.Numeric.Max), dataset.FormatNumber(c.Numeric.Mean))
	case c.Category != nil:
		values := make([]string, 0, len(c.Category.Values))
		for _, v := range c.Category.Values {
			values = append(values, fmt.Sprintf("%s (%d)", v.Value, v.Count))
		}
		return strings.Join(values, ", ")
	case c.Date != nil:
		return c.Date.Min + " to " + c.Date.Max
	case c.Boolean != nil:
		return fmt.Sprintf("%d true, %d false", c.Boolean.TrueCount, c.Boolean.FalseCount)
	case c.Text != nil:
		return strings.Join(c.Text.Samples, ", ")
	}
	return ""
}

func printOperations(w io.Writer, catalog []operations.CatalogEntry) {
	table := newTable(w, []string{"Operation", "Description", "Parameters"})
	for _, e := range catalog {
		table.Append([]string{e.Name, e.Description, parameterList(e)})
	}
	table.Render()
}

// parameterList names the parameters of e, required ones marked with '*'.
func parameterList(e operations.CatalogEntry) string {
	if e.Parameters == nil {
		return ""
	}
	names := make([]string, 0, len(e.Parameters.Properties))
	for name := range e.Parameters.Properties {
		if slices.Contains(e.Parameters.Required, name) {
			name += "*"
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return dataset.FormatNumber(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
