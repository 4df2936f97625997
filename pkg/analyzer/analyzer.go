// Package analyzer is the public entry point: it turns a question and an inline table
// into an AnalysisResult, one at a time or as a concurrent batch.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/malbeclabs/tableqa/pkg/classifier"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/formatter"
	"github.com/malbeclabs/tableqa/pkg/orchestrator"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

const DefaultMaxConcurrency = 4

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Runner answers one question. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// AnalysisResult is the caller-facing answer to one question.
type AnalysisResult struct {
	Status     string                `json:"status"`
	RequestID  string                `json:"request_id"`
	Query      string                `json:"query,omitempty"`
	Complexity classifier.Complexity `json:"complexity,omitempty"`
	Confidence float64               `json:"confidence"`
	// Tier and Operation describe the attempt that produced the answer.
	Tier       classifier.Complexity `json:"tier,omitempty"`
	Operation  string                `json:"operation,omitempty"`
	ResultType formatter.ResultType  `json:"result_type,omitempty"`
	Value      any                   `json:"value,omitempty"`
	Display    string                `json:"display,omitempty"`
	Table      *formatter.Table      `json:"structured_table,omitempty"`
	Error      *ErrorInfo            `json:"error,omitempty"`
	Warnings   []failure.Kind        `json:"warnings,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
}

type ErrorInfo struct {
	Kind     failure.Kind  `json:"kind"`
	Message  string        `json:"message"`
	Attempts []AttemptInfo `json:"attempts,omitempty"`
}

type AttemptInfo struct {
	Tier      classifier.Complexity `json:"tier"`
	Operation string                `json:"operation,omitempty"`
	Call      string                `json:"call,omitempty"`
	Kind      failure.Kind          `json:"kind,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// OK reports whether the question was answered.
func (r *AnalysisResult) OK() bool { return r.Status == StatusOK }

type Config struct {
	Logger *slog.Logger
	Runner Runner
	// MaxConcurrency bounds the questions of one batch analyzed at once.
	MaxConcurrency int
	// NewID defaults to uuid.NewString.
	NewID func() string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return nil
}

type Analyzer struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[*AnalysisResult]
}

func New(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate analyzer config: %w", err)
	}
	return &Analyzer{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[*AnalysisResult](cfg.MaxConcurrency),
	}, nil
}

// Close waits for running batch work and releases the worker pool.
func (a *Analyzer) Close() {
	a.pool.StopAndWait()
}

// AnalyzeQuery answers query over the table given by columns and rows. It never returns
// nil; failures are reported in the result.
func (a *Analyzer) AnalyzeQuery(ctx context.Context, query string, columns []string, rows [][]any) *AnalysisResult {
	ds, err := dataset.New(columns, rows)
	if err != nil {
		return a.reject(query, failure.Wrap(failure.InvalidInput, err, "invalid dataset: %v", err))
	}
	return a.Analyze(ctx, query, ds)
}

// Analyze answers query over ds.
func (a *Analyzer) Analyze(ctx context.Context, query string, ds *dataset.Dataset) *AnalysisResult {
	return a.AnalyzeWithSchema(ctx, query, ds, nil)
}

// AnalyzeWithSchema answers query over ds reusing a summary already extracted from it.
func (a *Analyzer) AnalyzeWithSchema(ctx context.Context, query string, ds *dataset.Dataset, s *schema.Summary) *AnalysisResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return a.reject(query, failure.New(failure.InvalidInput, "query is required"))
	}
	if ds == nil {
		return a.reject(query, failure.New(failure.InvalidInput, "dataset is required"))
	}

	id := a.cfg.NewID()
	start := time.Now()
	out, err := a.cfg.Runner.Run(ctx, orchestrator.Request{Query: query, Dataset: ds, Schema: s})
	res := newResult(id, query, out, err)
	res.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		a.log.Info("analyzer: query failed", "request_id", id, "kind", res.Error.Kind,
			"attempts", len(res.Error.Attempts), "error", res.Error.Message)
	} else {
		a.log.Info("analyzer: query answered", "request_id", id, "tier", res.Tier,
			"operation", res.Operation, "result_type", res.ResultType, "duration_ms", res.DurationMS)
	}
	return res
}

// AnalyzeBatch answers every query over ds, at most MaxConcurrency at a time. Results
// are in query order. The schema is extracted once and shared.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, queries []string, ds *dataset.Dataset) ([]*AnalysisResult, error) {
	if ds == nil {
		return nil, failure.New(failure.InvalidInput, "dataset is required")
	}
	s := schema.Extract(ds)

	group := a.pool.NewGroupContext(ctx)
	for _, q := range queries {
		group.Submit(func() *AnalysisResult {
			return a.AnalyzeWithSchema(ctx, q, ds, s)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to analyze batch: %w", err)
	}
	return results, nil
}

func (a *Analyzer) reject(query string, err *failure.Error) *AnalysisResult {
	res := newResult(a.cfg.NewID(), query, nil, err)
	a.log.Info("analyzer: request rejected", "request_id", res.RequestID, "error", err.Message)
	return res
}

func newResult(id, query string, out *orchestrator.Outcome, err error) *AnalysisResult {
	res := &AnalysisResult{Status: StatusOK, RequestID: id, Query: query}
	if out != nil {
		res.Complexity = out.Classification.Complexity
		res.Confidence = out.Classification.Confidence
		if out.Classification.Ambiguous {
			res.Warnings = append(res.Warnings, failure.ClassificationAmbiguous)
		}
	}

	if err != nil {
		res.Status = StatusError
		kind := failure.KindOf(err)
		if kind == "" {
			kind = failure.OperationFailed
		}
		res.Error = &ErrorInfo{Kind: kind, Message: failure.MessageOf(err)}
		if out != nil {
			for _, at := range out.Attempts {
				res.Error.Attempts = append(res.Error.Attempts, AttemptInfo{
					Tier:      at.Tier,
					Operation: at.Operation,
					Call:      at.Call,
					Kind:      at.Kind,
					Error:     at.Error,
				})
			}
		}
		return res
	}

	if out == nil {
		return res
	}
	res.Tier = out.Tier
	res.Operation = out.Operation
	if env := out.Envelope; env != nil {
		res.ResultType = env.ResultType
		res.Value = env.Value
		res.Display = env.Display
		res.Table = env.Table
	}
	return res
}
