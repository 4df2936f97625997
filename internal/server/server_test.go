package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/malbeclabs/tableqa/pkg/config"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/gateway"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedGateway selects one operation and writes one script for every question.
type fixedGateway struct {
	selection *gateway.Selection
	script    string
}

func (g fixedGateway) SelectOperation(context.Context, gateway.SelectRequest) (*gateway.Selection, error) {
	return g.selection, nil
}

func (g fixedGateway) GenerateScript(context.Context, gateway.ScriptRequest) (string, error) {
	return g.script, nil
}

type testServer struct {
	srv  *Server
	http *httptest.Server
	reg  *prometheus.Registry
	rt   *analyzer.Runtime
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	rt, err := analyzer.NewRuntime(analyzer.RuntimeConfig{
		Logger:     testLogger(),
		Settings:   config.Default(),
		Registerer: reg,
		Gateway: fixedGateway{
			selection: &gateway.Selection{
				Operation: "group_aggregate",
				Params:    map[string]any{"group_by": "Region", "function": "sum", "column": "Revenue"},
			},
			script: "result = SELECT count(*) AS n FROM df;",
		},
	})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	cfg := Config{
		Logger:     testLogger(),
		Runtime:    rt,
		Gatherer:   reg,
		ListenAddr: "127.0.0.1:0",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testServer{srv: srv, http: hs, reg: reg, rt: rt}
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) postJSON(t *testing.T, path string, v any) (int, []byte) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, "application/json", body)
}

var (
	salesColumns = []string{"Region", "Product", "Revenue", "Amount"}
	salesRows    = [][]any{
		{"North", "Widget", 100, 100},
		{"South", "Gadget", 200, 200},
		{"North", "Gizmo", 300, 300},
	}
)

func TestTableQA_Server_Probes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		status, body := ts.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, status, path)
		require.Equal(t, "ok\n", string(body))
	}
}

func TestTableQA_Server_Operations(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	status, body := ts.do(t, http.MethodGet, "/api/operations", "", nil)
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Operations []struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	names := map[string]bool{}
	for _, op := range resp.Operations {
		names[op.Name] = true
		require.Equal(t, "object", op.Parameters["type"], op.Name)
	}
	require.True(t, names["calculate_sum"])
	require.True(t, names["group_aggregate"])
}

func TestTableQA_Server_Analyze(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	t.Run("simple", func(t *testing.T) {
		t.Parallel()
		status, body := ts.postJSON(t, "/api/analyze", AnalyzeRequest{Query: "sum of Amount", Columns: salesColumns, Rows: salesRows})
		require.Equal(t, http.StatusOK, status)

		var res analyzer.AnalysisResult
		require.NoError(t, json.Unmarshal(body, &res))
		require.Equal(t, "ok", res.Status)
		require.Equal(t, "SIMPLE", string(res.Complexity))
		require.Equal(t, 600.0, res.Value)
		require.NotEmpty(t, res.RequestID)
	})

	t.Run("medium table", func(t *testing.T) {
		t.Parallel()
		status, body := ts.postJSON(t, "/api/analyze", AnalyzeRequest{Query: "total revenue by region", Columns: salesColumns, Rows: salesRows})
		require.Equal(t, http.StatusOK, status)

		var res analyzer.AnalysisResult
		require.NoError(t, json.Unmarshal(body, &res))
		require.Equal(t, "ok", res.Status)
		require.Equal(t, "group_aggregate", res.Operation)
		require.Equal(t, "table", string(res.ResultType))
		require.Equal(t, 2, res.Table.TotalRows)
	})

	t.Run("invalid dataset", func(t *testing.T) {
		t.Parallel()
		status, body := ts.postJSON(t, "/api/analyze", AnalyzeRequest{Query: "sum of a", Columns: []string{"a", "b"}, Rows: [][]any{{1}}})
		require.Equal(t, http.StatusBadRequest, status)
		require.Contains(t, string(body), `"kind":"invalid_input"`)
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()
		status, body := ts.do(t, http.MethodPost, "/api/analyze", "application/json", []byte("{"))
		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error":"invalid request body"}`, string(body))
	})
}

func TestTableQA_Server_DatasetSessions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	status, body := ts.postJSON(t, "/api/datasets", DatasetRequest{Columns: salesColumns, Rows: salesRows})
	require.Equal(t, http.StatusCreated, status)
	var created DatasetResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, 3, created.Schema.RowCount)
	require.True(t, created.ExpiresAt.After(time.Now()))

	status, body = ts.do(t, http.MethodGet, "/api/datasets/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), `"inferred_type":"numeric"`)

	status, body = ts.postJSON(t, "/api/datasets/"+created.ID+"/analyze", QuestionRequest{Query: "highest revenue"})
	require.Equal(t, http.StatusOK, status)
	var res analyzer.AnalysisResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, 300.0, res.Value)

	status, body = ts.postJSON(t, "/api/datasets/"+created.ID+"/batch", BatchRequest{Queries: []string{"sum of Amount", "how many rows are there", "rank products by revenue"}})
	require.Equal(t, http.StatusOK, status)
	var batch struct {
		Results []analyzer.AnalysisResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &batch))
	require.Len(t, batch.Results, 3)
	require.Equal(t, 600.0, batch.Results[0].Value)
	require.Equal(t, 3.0, batch.Results[1].Value)
	require.Equal(t, "COMPLEX", string(batch.Results[2].Tier))
	require.Equal(t, 3.0, batch.Results[2].Value)

	status, _ = ts.postJSON(t, "/api/datasets/"+created.ID+"/batch", BatchRequest{})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodDelete, "/api/datasets/"+created.ID, "", nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = ts.do(t, http.MethodGet, "/api/datasets/"+created.ID, "", nil)
	require.Equal(t, http.StatusNotFound, status)
	status, _ = ts.postJSON(t, "/api/datasets/"+created.ID+"/analyze", QuestionRequest{Query: "sum of Amount"})
	require.Equal(t, http.StatusNotFound, status)

	require.Equal(t, 1.0, testutil.ToFloat64(ts.rt.Metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/datasets/{id}/analyze", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(ts.rt.Metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/datasets/{id}/analyze", "404")))
}

func TestTableQA_Server_DatasetCSV(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	csv := "Region,Revenue\nNorth,100\nSouth,200\n"
	status, body := ts.do(t, http.MethodPost, "/api/datasets", "text/csv; charset=utf-8", []byte(csv))
	require.Equal(t, http.StatusCreated, status)
	var created DatasetResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, 2, created.Schema.RowCount)

	status, body = ts.do(t, http.MethodPost, "/api/datasets", "text/csv", []byte("a,b\n1\n"))
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, string(body), "invalid dataset")
}

func TestTableQA_Server_UploadLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *Config) { cfg.MaxUploadBytes = 64 })
	csv := "Region,Revenue\n" + strings.Repeat("North,100\n", 20)
	status, _ := ts.do(t, http.MethodPost, "/api/datasets", "text/csv", []byte(csv))
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestTableQA_Server_DatasetExpiry(t *testing.T) {
	t.Parallel()

	store := newDatasetStore(20 * time.Millisecond)
	ds, err := dataset.New([]string{"a"}, [][]any{{1}})
	require.NoError(t, err)
	sess, expiresAt := store.add(ds)
	require.False(t, expiresAt.IsZero())

	_, _, ok := store.get(sess.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, _, ok := store.get(sess.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.False(t, store.remove("missing"))
}

func TestTableQA_Server_MCP(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.http.URL + "/mcp"}, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	require.Equal(t, map[string]bool{"analyze": true, "describe_dataset": true, "list_operations": true}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name: "analyze",
		Arguments: map[string]any{
			"query":   "sum of Amount",
			"columns": salesColumns,
			"rows":    salesRows,
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var out analyzer.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	require.Equal(t, "ok", out.Status)
	require.Equal(t, 600.0, out.Value)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "describe_dataset",
		Arguments: map[string]any{"dataset_id": "missing"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestTableQA_Server_Run(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *Config) { cfg.MetricsAddr = "127.0.0.1:0" })
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ts.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestTableQA_Server_Config(t *testing.T) {
	t.Parallel()

	rt, err := analyzer.NewRuntime(analyzer.RuntimeConfig{Logger: testLogger(), Settings: config.Default()})
	require.NoError(t, err)
	defer rt.Close()

	cfg := Config{Logger: testLogger(), Runtime: rt, ListenAddr: ":8080"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "dev", cfg.Version)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, defaultDatasetTTL, cfg.DatasetTTL)

	_, err = New(Config{Runtime: rt, ListenAddr: ":8080"})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: testLogger(), ListenAddr: ":8080"})
	require.ErrorContains(t, err, "runtime is required")
	_, err = New(Config{Logger: testLogger(), Runtime: rt})
	require.ErrorContains(t, err, "listen address is required")
}
