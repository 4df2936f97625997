package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadCSV parses CSV input with a header row into a dataset. Cells that are plain
// decimal numbers become numeric cells; everything else is kept as text and left to
// schema inference. Blank cells are missing.
func ReadCSV(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv input is empty")
		}
		return nil, fmt.Errorf("failed to read CSV headers: %w", err)
	}
	columns := make([]string, len(headers))
	for i, h := range headers {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var rows [][]any
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" && len(columns) > 1 {
			continue
		}
		if len(rec) != len(columns) {
			return nil, fmt.Errorf("CSV line %d has %d fields, expected %d", line, len(rec), len(columns))
		}
		row := make([]any, len(rec))
		for i, cell := range rec {
			row[i] = csvCell(cell)
		}
		rows = append(rows, row)
	}
	return New(columns, rows)
}

func csvCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	// ParseFloat also takes "Inf", "NaN" and hex floats; those stay text.
	if strings.ContainsAny(s, "xX_") {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}
