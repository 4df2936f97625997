package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/malbeclabs/tableqa/pkg/schema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type AnalyzeInput struct {
	Query     string   `json:"query" jsonschema:"natural-language question about the table"`
	DatasetID string   `json:"dataset_id,omitempty" jsonschema:"id of a dataset uploaded through POST /api/datasets"`
	Columns   []string `json:"columns,omitempty" jsonschema:"column names of an inline table"`
	Rows      [][]any  `json:"rows,omitempty" jsonschema:"rows of an inline table with one cell per column"`
}

type DescribeInput struct {
	DatasetID string `json:"dataset_id" jsonschema:"id of a dataset uploaded through POST /api/datasets"`
}

type ListOperationsInput struct{}

type OperationInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ListOperationsOutput struct {
	Operations []OperationInfo `json:"operations"`
}

const analyzeDescription = `
	PURPOSE:
	Answer a natural-language question about a table. Simple questions are answered by
	built-in operations; harder ones fall back to a model-selected operation and then to a
	sandboxed script.

	INPUT:
	- Either dataset_id (from the HTTP upload endpoint) or an inline table as columns + rows.
	- Column names in the question should match the table's headers.

	OUTPUT:
	status "ok" with result_type, value, display and, for tables, structured_table; or
	status "error" with the error kind, a message and the tiers that were attempted.
`

func registerTools(log *slog.Logger, server *mcp.Server, rt *analyzer.Runtime, datasets *datasetStore) error {
	in, err := jsonschema.For[AnalyzeInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create analyze input schema: %w", err)
	}
	out, err := jsonschema.For[analyzer.AnalysisResult](nil)
	if err != nil {
		return fmt.Errorf("failed to create analyze output schema: %w", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:         "analyze",
		Description:  analyzeDescription,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AnalyzeInput) (*mcp.CallToolResult, analyzer.AnalysisResult, error) {
		log.Debug("mcp/tool: analyze", "query", req.Query, "dataset_id", req.DatasetID)
		if req.DatasetID != "" {
			sess, _, ok := datasets.get(req.DatasetID)
			if !ok {
				return nil, analyzer.AnalysisResult{}, errors.New("dataset not found or expired")
			}
			return nil, *rt.Analyzer.AnalyzeWithSchema(ctx, req.Query, sess.Dataset, sess.Schema), nil
		}
		return nil, *rt.Analyzer.AnalyzeQuery(ctx, req.Query, req.Columns, req.Rows), nil
	})

	in, err = jsonschema.For[DescribeInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe input schema: %w", err)
	}
	out, err = jsonschema.For[schema.Summary](nil)
	if err != nil {
		return fmt.Errorf("failed to create describe output schema: %w", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:         "describe_dataset",
		Description:  "Describe the columns of an uploaded dataset: inferred types, null counts and per-type statistics.",
		InputSchema:  in,
		OutputSchema: out,
	}, func(_ context.Context, _ *mcp.CallToolRequest, req DescribeInput) (*mcp.CallToolResult, schema.Summary, error) {
		sess, _, ok := datasets.get(req.DatasetID)
		if !ok {
			return nil, schema.Summary{}, errors.New("dataset not found or expired")
		}
		return nil, *sess.Schema, nil
	})

	in, err = jsonschema.For[ListOperationsInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create list operations input schema: %w", err)
	}
	out, err = jsonschema.For[ListOperationsOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create list operations output schema: %w", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:         "list_operations",
		Description:  "List the built-in operations and their parameters.",
		InputSchema:  in,
		OutputSchema: out,
	}, func(context.Context, *mcp.CallToolRequest, ListOperationsInput) (*mcp.CallToolResult, ListOperationsOutput, error) {
		catalog := rt.Registry.Catalog()
		ops := make([]OperationInfo, 0, len(catalog))
		for _, entry := range catalog {
			params, err := schemaMap(entry.Parameters)
			if err != nil {
				return nil, ListOperationsOutput{}, err
			}
			ops = append(ops, OperationInfo{Name: entry.Name, Description: entry.Description, Parameters: params})
		}
		return nil, ListOperationsOutput{Operations: ops}, nil
	})
	return nil
}

func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameter schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode parameter schema: %w", err)
	}
	return m, nil
}
