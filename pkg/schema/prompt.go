package schema

import (
	"fmt"
	"math"
	"strings"
)

// TableName is the name under which the dataset is exposed to generated scripts.
const TableName = "df"

// PromptSummary renders a compact description of the dataset for the language model.
// This is the only form in which schema data leaves the process.
func PromptSummary(s *Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table %q: %d rows, %d columns.\n", TableName, s.RowCount, len(s.Columns))
	sb.WriteString("Columns:\n")
	for _, c := range s.Columns {
		fmt.Fprintf(&sb, "- %q (%s", c.Name, c.Type)
		if c.NullCount > 0 {
			fmt.Fprintf(&sb, ", %d missing", c.NullCount)
		}
		sb.WriteString(")")
		if detail := columnDetail(c); detail != "" {
			sb.WriteString(": ")
			sb.WriteString(detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func columnDetail(c Column) string {
	switch {
	case c.Numeric != nil:
		return fmt.Sprintf("min %s, max %s, mean %s",
			formatStat(c.Numeric.Min), formatStat(c.Numeric.Max), formatStat(c.Numeric.Mean))
	case c.Category != nil:
		parts := make([]string, len(c.Category.Values))
		for i, v := range c.Category.Values {
			parts[i] = fmt.Sprintf("%q (%d)", v.Value, v.Count)
		}
		detail := fmt.Sprintf("%d distinct; values %s", c.DistinctCount, strings.Join(parts, ", "))
		if c.DistinctCount > len(c.Category.Values) {
			detail += ", ..."
		}
		return detail
	case c.Date != nil:
		return fmt.Sprintf("from %s to %s", c.Date.Min, c.Date.Max)
	case c.Boolean != nil:
		return fmt.Sprintf("%d true, %d false", c.Boolean.TrueCount, c.Boolean.FalseCount)
	case c.Text != nil:
		quoted := make([]string, len(c.Text.Samples))
		for i, s := range c.Text.Samples {
			quoted[i] = fmt.Sprintf("%q", truncate(s, 40))
		}
		return fmt.Sprintf("%d distinct, e.g. %s", c.DistinctCount, strings.Join(quoted, ", "))
	}
	return ""
}

// formatStat rounds for readability: whole numbers without decimals, otherwise two places.
func formatStat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.2f", f)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
