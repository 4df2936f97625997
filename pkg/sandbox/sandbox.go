// Package sandbox screens and runs model-generated analysis scripts.
//
// A script is a sequence of `name = <query>;` bindings in a small read-only SQL dialect
// over the table df. Run applies two gates before anything executes: a token scan
// against a versioned allow-list, then a structure check. Only then is the script handed
// to an Evaluator, which sees a private typed copy of the dataset and nothing else.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

const DefaultTimeout = 10 * time.Second

// Evaluator executes a screened script against a table and returns the rows bound to
// ResultBinding.
type Evaluator interface {
	Evaluate(ctx context.Context, table *Table, script *Script) (*Evaluation, error)
}

// Evaluation is an evaluator's output. Diagnostics never contain script text.
type Evaluation struct {
	Result      *dataset.Dataset
	Diagnostics []string
}

type Config struct {
	Logger    *slog.Logger
	Evaluator Evaluator
	Timeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Evaluator == nil {
		return errors.New("evaluator is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return nil
}

type Sandbox struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sandbox config: %w", err)
	}
	return &Sandbox{log: cfg.Logger, cfg: cfg}, nil
}

type Request struct {
	Script  string
	Dataset *dataset.Dataset
	// Schema is extracted from Dataset when nil.
	Schema *schema.Summary
	// Timeout overrides the configured timeout when positive.
	Timeout time.Duration
}

// Result is a successful run. Value is a scalar when the result binding is a single
// cell and the *dataset.Dataset otherwise.
type Result struct {
	Value       any
	Table       *dataset.Dataset
	Diagnostics []string
	Duration    time.Duration
}

// Run screens and executes a script. Screening failures return no Result at all.
// Execution failures return the diagnostics gathered so far alongside the error.
func (s *Sandbox) Run(ctx context.Context, req Request) (*Result, error) {
	script, err := Check(req.Script)
	if err != nil {
		s.log.Info("sandbox: script rejected", "kind", failure.KindOf(err), "error", failure.MessageOf(err))
		return nil, err
	}
	table, err := NewTable(req.Dataset, req.Schema)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "dataset cannot be loaded into the sandbox")
	}

	timeout := s.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ev  *Evaluation
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		ev, err := s.cfg.Evaluator.Evaluate(runCtx, table, script)
		done <- outcome{ev, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// The evaluator observes runCtx and is left to unwind on its own.
		out = outcome{err: runCtx.Err()}
	}
	duration := time.Since(start)

	res := &Result{Duration: duration}
	if out.ev != nil {
		res.Diagnostics = out.ev.Diagnostics
	}
	if out.err != nil {
		return res, s.classify(ctx, runCtx, timeout, out.err)
	}
	if out.ev == nil || out.ev.Result == nil {
		return res, failure.New(failure.ResultMissing, "script produced no %s", ResultBinding)
	}

	res.Table = out.ev.Result
	res.Value = resultValue(out.ev.Result)
	s.log.Debug("sandbox: script finished", "bindings", len(script.Bindings),
		"rows", out.ev.Result.NumRows(), "columns", out.ev.Result.NumColumns(), "duration", duration)
	return res, nil
}

func (s *Sandbox) classify(ctx, runCtx context.Context, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return failure.Wrap(failure.Canceled, ctx.Err(), "script execution canceled")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		s.log.Info("sandbox: script timed out", "timeout", timeout)
		return failure.Wrap(failure.ScriptTimeout, err, "script exceeded the %s time limit", timeout)
	case failure.KindOf(err) != "":
		return err
	}
	return failure.Wrap(failure.ScriptRuntimeError, err, "%s", failure.Sanitize(err.Error()))
}

func resultValue(ds *dataset.Dataset) any {
	if ds.NumRows() == 1 && ds.NumColumns() == 1 {
		return ds.Row(0)[0].Any()
	}
	return ds
}
