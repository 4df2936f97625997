package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableQA_Logger_Levels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Debug("hidden")
	log.Info("orchestrator: answered", "tier", "SIMPLE", "operation", "")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "orchestrator: answered")
	require.Contains(t, out, "tier=SIMPLE")
	require.NotContains(t, out, "operation=")

	buf.Reset()
	NewWithWriter(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestTableQA_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 4, 5, 6, 7, 891_234_567, time.FixedZone("X", 3600))
	require.Equal(t, "2025-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}
