package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	System []struct {
		Text         string `json:"text"`
		CacheControl *struct {
			Type string `json:"type"`
		} `json:"cache_control"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"input_schema"`
	} `json:"tools"`
}

type fakeAPI struct {
	t         *testing.T
	mu        sync.Mutex
	requests  []capturedRequest
	responses []fakeResponse
	calls     atomic.Int32
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	var req capturedRequest
	require.NoError(f.t, json.Unmarshal(body, &req))

	f.mu.Lock()
	f.requests = append(f.requests, req)
	i := int(f.calls.Add(1)) - 1
	resp := f.responses[min(i, len(f.responses)-1)]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func messageBody(content string, stopReason string) string {
	return `{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929",` +
		`"content":` + content + `,"stop_reason":"` + stopReason + `","stop_sequence":null,` +
		`"usage":{"input_tokens":120,"output_tokens":30}}`
}

const overloaded = `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`

func newTestGateway(t *testing.T, responses ...fakeResponse) (*Anthropic, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{t: t, responses: responses}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	gw, err := NewAnthropic(AnthropicConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return gw, api
}

func testCatalog(t *testing.T) []operations.CatalogEntry {
	t.Helper()
	reg, err := operations.NewDefault()
	require.NoError(t, err)
	return reg.Catalog()
}

func TestTableQA_Gateway_SelectOperation(t *testing.T) {
	t.Parallel()

	gw, api := newTestGateway(t, fakeResponse{
		status: http.StatusOK,
		body: messageBody(`[{"type":"text","text":"Summing the column."},`+
			`{"type":"tool_use","id":"toolu_01","name":"calculate_sum","input":{"column":"Amount"}}]`, "tool_use"),
	})

	sel, err := gw.SelectOperation(context.Background(), SelectRequest{
		Query:         "total amount",
		SchemaSummary: "Table \"df\": 3 rows, 1 columns.\n",
		Catalog:       testCatalog(t),
		PriorError:    "column \"amount\" does not exist",
	})
	require.NoError(t, err)
	require.NotNil(t, sel)
	require.Equal(t, "calculate_sum", sel.Operation)
	require.Equal(t, map[string]any{"column": "Amount"}, sel.Params)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	require.Len(t, req.System, 1)
	require.NotNil(t, req.System[0].CacheControl)
	require.Equal(t, "ephemeral", req.System[0].CacheControl.Type)
	require.Contains(t, req.Messages[0].Content[0].Text, "Question: total amount")
	require.Contains(t, req.Messages[0].Content[0].Text, "column \"amount\" does not exist")

	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
		require.Equal(t, "object", tool.InputSchema["type"])
	}
	require.Contains(t, names, "calculate_sum")
	require.Contains(t, names, "group_aggregate")
}

func TestTableQA_Gateway_SelectOperation_Declined(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, fakeResponse{
		status: http.StatusOK,
		body:   messageBody(`[{"type":"text","text":"No single operation answers this."}]`, "end_turn"),
	})

	sel, err := gw.SelectOperation(context.Background(), SelectRequest{Query: "why", Catalog: testCatalog(t)})
	require.NoError(t, err)
	require.Nil(t, sel)
}

func TestTableQA_Gateway_GenerateScript(t *testing.T) {
	t.Parallel()

	gw, api := newTestGateway(t, fakeResponse{
		status: http.StatusOK,
		body: messageBody(`[{"type":"text","text":"Here it is:\n`+"```sql\\n"+
			`result = SELECT Region, sum(Revenue) AS total FROM df GROUP BY Region;\n`+"```"+`"}]`, "end_turn"),
	})

	script, err := gw.GenerateScript(context.Background(), ScriptRequest{
		Query:     "revenue by region",
		AllowList: []string{"sum", "avg"},
	})
	require.NoError(t, err)
	require.Equal(t, "result = SELECT Region, sum(Revenue) AS total FROM df GROUP BY Region;", script)
	require.Contains(t, api.requests[0].Messages[0].Content[0].Text, "Allowed functions: sum, avg")
	require.Empty(t, api.requests[0].Tools)
}

func TestTableQA_Gateway_GenerateScript_Empty(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, fakeResponse{
		status: http.StatusOK,
		body:   messageBody(`[{"type":"text","text":"   "}]`, "end_turn"),
	})
	_, err := gw.GenerateScript(context.Background(), ScriptRequest{Query: "q"})
	require.True(t, failure.Is(err, failure.GatewayError))
}

func TestTableQA_Gateway_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	gw, api := newTestGateway(t,
		fakeResponse{status: 529, body: overloaded},
		fakeResponse{status: http.StatusInternalServerError, body: overloaded},
		fakeResponse{status: http.StatusOK, body: messageBody(`[{"type":"text","text":"result = SELECT 1;"}]`, "end_turn")},
	)

	script, err := gw.GenerateScript(context.Background(), ScriptRequest{Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "result = SELECT 1;", script)
	require.EqualValues(t, 3, api.calls.Load())
}

func TestTableQA_Gateway_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	gw, api := newTestGateway(t, fakeResponse{status: 529, body: overloaded})

	_, err := gw.GenerateScript(context.Background(), ScriptRequest{Query: "q"})
	require.Error(t, err)
	require.Equal(t, failure.GatewayError, failure.KindOf(err))
	require.EqualValues(t, 3, api.calls.Load())
}

func TestTableQA_Gateway_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	gw, api := newTestGateway(t, fakeResponse{
		status: http.StatusBadRequest,
		body:   `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`,
	})

	_, err := gw.SelectOperation(context.Background(), SelectRequest{Query: "q", Catalog: testCatalog(t)})
	require.Equal(t, failure.GatewayError, failure.KindOf(err))
	require.EqualValues(t, 1, api.calls.Load())
}

func TestTableQA_Gateway_Config(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropic(AnthropicConfig{APIKey: "k"})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewAnthropic(AnthropicConfig{Logger: slog.Default()})
	require.ErrorContains(t, err, "api key is required")

	cfg := AnthropicConfig{Logger: slog.Default(), APIKey: "k"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultModel, cfg.Model)
	require.EqualValues(t, DefaultMaxTokens, cfg.MaxTokens)
	require.EqualValues(t, DefaultMaxAttempts, cfg.MaxAttempts)
}

func TestTableQA_Gateway_Unavailable(t *testing.T) {
	t.Parallel()

	_, err := Unavailable{}.SelectOperation(context.Background(), SelectRequest{})
	require.Equal(t, failure.GatewayError, failure.KindOf(err))
	_, err = Unavailable{}.GenerateScript(context.Background(), ScriptRequest{})
	require.Equal(t, failure.GatewayError, failure.KindOf(err))
}

func TestTableQA_Gateway_ExtractScript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain", "  result = SELECT 1;  ", "result = SELECT 1;"},
		{"fenced sql", "Sure.\n```sql\nresult = SELECT 1;\n```\nDone.", "result = SELECT 1;"},
		{"fenced bare", "```\nresult = SELECT 2;\n```", "result = SELECT 2;"},
		{"multiple blocks", "```sql\na = SELECT 1;\n```\nthen\n```sql\nresult = SELECT * FROM a;\n```", "a = SELECT 1;\nresult = SELECT * FROM a;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ExtractScript(tt.reply))
		})
	}
}
