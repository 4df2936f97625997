// Package orchestrator runs one question through classification, tiered dispatch and
// validation, escalating to costlier tiers on failure within a retry budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tableqa/pkg/classifier"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/formatter"
	"github.com/malbeclabs/tableqa/pkg/gateway"
	"github.com/malbeclabs/tableqa/pkg/metrics"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/malbeclabs/tableqa/pkg/sandbox"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

const (
	DefaultMaxRetries     = 2
	DefaultGatewayTimeout = 30 * time.Second
	DefaultSandboxTimeout = 10 * time.Second
)

// ScriptRunner is the part of the sandbox the orchestrator needs.
type ScriptRunner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Classifier classifier.Classifier
	Registry   *operations.Registry
	Gateway    gateway.Gateway
	Sandbox    ScriptRunner
	// Metrics is optional.
	Metrics *metrics.Metrics

	// MaxRetries caps the model-backed (MEDIUM and COMPLEX) attempts per question. The
	// deterministic SIMPLE attempt is free, so a question makes at most MaxRetries+1
	// attempts. Zero selects DefaultMaxRetries; at least one model-backed attempt is
	// always allowed, since a failed SIMPLE attempt escalates to MEDIUM.
	MaxRetries     int
	GatewayTimeout time.Duration
	SandboxTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Classifier == nil {
		return errors.New("classifier is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Sandbox == nil {
		return errors.New("sandbox is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = DefaultSandboxTimeout
	}
	return nil
}

type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate orchestrator config: %w", err)
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

type Request struct {
	Query   string
	Dataset *dataset.Dataset
	// Schema is extracted from Dataset when nil.
	Schema *schema.Summary
}

// Attempt is one dispatch of one tier.
type Attempt struct {
	Tier      classifier.Complexity `json:"tier"`
	Operation string                `json:"operation,omitempty"`
	// Call renders the operation with its parameters, for SIMPLE and MEDIUM attempts.
	Call  string       `json:"call,omitempty"`
	Kind  failure.Kind `json:"kind,omitempty"`
	Error string       `json:"error,omitempty"`
	// Diagnostics is the sandbox's captured output, for COMPLEX attempts that ran.
	Diagnostics []string      `json:"diagnostics,omitempty"`
	Duration    time.Duration `json:"-"`
}

// Outcome is everything known about a question once the machine stops. It is returned
// on failure too, with Envelope nil.
type Outcome struct {
	Classification classifier.Result
	Schema         *schema.Summary
	Value          any
	Envelope       *formatter.Envelope
	// Tier and Operation describe the attempt that produced the result.
	Tier      classifier.Complexity
	Operation string
	Attempts  []Attempt
	Trace     []State
	Duration  time.Duration
}

// Run answers one question. Every failure below the retry budget is recovered here;
// the returned error is a *failure.Error of kind retry_budget_exhausted, script_unsafe
// (when the last model attempt was still unsafe), canceled or invalid_input.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := o.cfg.Clock.Now()
	m := newMachine()
	out := &Outcome{}
	finish := func(err error) (*Outcome, error) {
		out.Trace = m.trace
		out.Duration = o.cfg.Clock.Since(start)
		status, tier := "ok", out.Tier
		if err != nil {
			status = string(failure.KindOf(err))
			if n := len(out.Attempts); n > 0 {
				tier = out.Attempts[n-1].Tier
			}
		}
		o.cfg.Metrics.ObserveQuery(status, string(tier), out.Duration)
		return out, err
	}

	if req.Dataset == nil {
		_ = m.to(StateFail)
		return finish(failure.New(failure.InvalidInput, "dataset is required"))
	}
	summary := req.Schema
	if summary == nil {
		summary = schema.Extract(req.Dataset)
	}
	out.Schema = summary

	cls := o.cfg.Classifier.Classify(req.Query, summary)
	out.Classification = cls
	o.cfg.Metrics.ObserveClassification(string(cls.Complexity), cls.Ambiguous)
	o.log.Debug("orchestrator: classified", "tier", cls.Complexity, "confidence", cls.Confidence,
		"ambiguous", cls.Ambiguous, "operation", cls.Operation, "reason", cls.Reason)
	if cls.Ambiguous {
		o.log.Info("orchestrator: low-confidence classification, starting at the lower tier",
			"kind", failure.ClassificationAmbiguous, "tier", cls.Complexity, "confidence", cls.Confidence)
	}

	tier := cls.Complexity
	if tier == classifier.Simple && cls.Operation == "" {
		tier = classifier.Medium
	}
	var (
		prior          error
		modelAttempts  int
		mediumFailures int
	)
	for {
		if err := m.to(StateDispatch); err != nil {
			return finish(err)
		}
		if err := ctx.Err(); err != nil {
			_ = m.to(StateFail)
			return finish(failure.Wrap(failure.Canceled, err, "query canceled"))
		}
		if tier != classifier.Simple {
			modelAttempts++
		}

		attemptStart := o.cfg.Clock.Now()
		d := o.dispatch(ctx, tier, cls, req.Query, req.Dataset, summary, prior)
		err := d.err
		var env *formatter.Envelope
		if err == nil {
			if err := m.to(StateValidate); err != nil {
				return finish(err)
			}
			env, err = validate(req.Query, d.value)
		}

		attempt := Attempt{
			Tier:        tier,
			Operation:   d.operation,
			Call:        d.call,
			Diagnostics: d.diagnostics,
			Duration:    o.cfg.Clock.Since(attemptStart),
		}
		outcome := "ok"
		if err != nil {
			attempt.Kind = failure.KindOf(err)
			if attempt.Kind == "" {
				attempt.Kind = failure.OperationFailed
			}
			attempt.Error = failure.MessageOf(err)
			outcome = string(attempt.Kind)
		}
		out.Attempts = append(out.Attempts, attempt)
		o.cfg.Metrics.ObserveAttempt(string(tier), outcome, attempt.Duration)

		if err == nil {
			if err := m.to(StateDone); err != nil {
				return finish(err)
			}
			out.Value, out.Envelope, out.Tier, out.Operation = d.value, env, tier, d.operation
			o.log.Info("orchestrator: answered", "tier", tier, "operation", d.operation,
				"attempts", len(out.Attempts), "result_type", env.ResultType)
			return finish(nil)
		}

		o.log.Info("orchestrator: attempt failed", "tier", tier, "attempt", len(out.Attempts),
			"call", attempt.Call, "kind", attempt.Kind, "error", attempt.Error)

		if ctx.Err() != nil || failure.Is(err, failure.Canceled) {
			_ = m.to(StateFail)
			cause := ctx.Err()
			if cause == nil {
				cause = err
			}
			return finish(failure.Wrap(failure.Canceled, cause, "query canceled"))
		}

		if err := m.to(StateEscalate); err != nil {
			return finish(err)
		}
		if tier == classifier.Medium {
			mediumFailures++
		}
		next := nextTier(tier, err, mediumFailures)
		if modelAttempts >= o.cfg.MaxRetries {
			_ = m.to(StateFail)
			return finish(exhausted(out.Attempts, err))
		}
		o.cfg.Metrics.ObserveEscalation(string(tier), string(next))
		o.log.Debug("orchestrator: escalating", "from", tier, "to", next)
		tier, prior = next, err
	}
}

// nextTier picks the tier for the retry after a failure at tier. Tiers never go down.
func nextTier(tier classifier.Complexity, err error, mediumFailures int) classifier.Complexity {
	if tier != classifier.Medium {
		return tier.Next()
	}
	switch failure.KindOf(err) {
	case failure.GatewayNoSelection, failure.OperationNotFound:
		return tier.Next()
	}
	if mediumFailures < 2 {
		return classifier.Medium
	}
	return tier.Next()
}

func exhausted(attempts []Attempt, last error) error {
	tiers := make([]string, len(attempts))
	for i, a := range attempts {
		tiers[i] = string(a.Tier)
	}
	kind := failure.RetryBudgetExhausted
	if failure.Is(last, failure.ScriptUnsafe) {
		kind = failure.ScriptUnsafe
	}
	return failure.Wrap(kind, last, "no answer after %d attempts (%s): %s",
		len(attempts), strings.Join(tiers, " -> "), failure.MessageOf(last))
}

type dispatchResult struct {
	value       any
	operation   string
	call        string
	diagnostics []string
	err         error
}

func (o *Orchestrator) dispatch(ctx context.Context, tier classifier.Complexity, cls classifier.Result, query string, ds *dataset.Dataset, s *schema.Summary, prior error) dispatchResult {
	switch tier {
	case classifier.Simple:
		value, err := o.cfg.Registry.Execute(ctx, cls.Operation, ds, s, cls.Params)
		return dispatchResult{value: value, operation: cls.Operation, call: operations.String(cls.Operation, cls.Params), err: err}
	case classifier.Medium:
		return o.dispatchMedium(ctx, query, ds, s, prior)
	default:
		return o.dispatchComplex(ctx, query, ds, s, prior)
	}
}

func (o *Orchestrator) dispatchMedium(ctx context.Context, query string, ds *dataset.Dataset, s *schema.Summary, prior error) dispatchResult {
	gctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	sel, err := o.cfg.Gateway.SelectOperation(gctx, gateway.SelectRequest{
		Query:         query,
		SchemaSummary: schema.PromptSummary(s),
		Catalog:       o.cfg.Registry.Catalog(),
		PriorError:    priorContext(prior),
	})
	cancel()
	if err != nil {
		return dispatchResult{err: gatewayError(ctx, err)}
	}
	if sel == nil {
		return dispatchResult{err: failure.New(failure.GatewayNoSelection, "the model did not select an operation")}
	}
	value, err := o.cfg.Registry.Execute(ctx, sel.Operation, ds, s, sel.Params)
	return dispatchResult{value: value, operation: sel.Operation, call: operations.String(sel.Operation, sel.Params), err: err}
}

func (o *Orchestrator) dispatchComplex(ctx context.Context, query string, ds *dataset.Dataset, s *schema.Summary, prior error) dispatchResult {
	gctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	script, err := o.cfg.Gateway.GenerateScript(gctx, gateway.ScriptRequest{
		Query:         query,
		SchemaSummary: schema.PromptSummary(s),
		AllowList:     sandbox.AllowedFunctions(),
		PriorError:    priorContext(prior),
	})
	cancel()
	if err != nil {
		return dispatchResult{err: gatewayError(ctx, err)}
	}

	res, err := o.cfg.Sandbox.Run(ctx, sandbox.Request{
		Script:  script,
		Dataset: ds,
		Schema:  s,
		Timeout: o.cfg.SandboxTimeout,
	})
	d := dispatchResult{err: err}
	if res != nil {
		d.diagnostics = res.Diagnostics
		if err == nil {
			d.value = res.Value
		}
	}
	return d
}

func gatewayError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.Canceled, ctx.Err(), "query canceled")
	}
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.Wrap(failure.GatewayError, err, "language model call failed")
}

// priorContext renders the previous failure for the next model call.
func priorContext(err error) string {
	if err == nil {
		return ""
	}
	kind := failure.KindOf(err)
	msg := fmt.Sprintf("%s: %s", kind, failure.MessageOf(err))
	if kind == failure.ScriptUnsafe {
		msg += "\nRewrite the script using only the allowed functions and the table df."
	}
	return msg
}
