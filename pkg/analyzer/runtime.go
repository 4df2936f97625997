package analyzer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tableqa/pkg/classifier"
	"github.com/malbeclabs/tableqa/pkg/config"
	"github.com/malbeclabs/tableqa/pkg/gateway"
	"github.com/malbeclabs/tableqa/pkg/metrics"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/malbeclabs/tableqa/pkg/orchestrator"
	"github.com/malbeclabs/tableqa/pkg/sandbox"
	"github.com/prometheus/client_golang/prometheus"
)

type RuntimeConfig struct {
	Logger   *slog.Logger
	Settings config.Config

	// Registerer receives the metrics collectors. Metrics are off when nil.
	Registerer prometheus.Registerer
	// Gateway overrides the gateway built from Settings.
	Gateway gateway.Gateway
	// Evaluator overrides the DuckDB evaluator.
	Evaluator sandbox.Evaluator
	Clock     clockwork.Clock
}

func (cfg *RuntimeConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runtime owns every collaborator of the analysis pipeline. There is no package-level
// state; callers build one Runtime and share it.
type Runtime struct {
	Classifier   *classifier.PatternClassifier
	Registry     *operations.Registry
	Gateway      gateway.Gateway
	Sandbox      *sandbox.Sandbox
	Metrics      *metrics.Metrics
	Orchestrator *orchestrator.Orchestrator
	Analyzer     *Analyzer
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate runtime config: %w", err)
	}
	log, s := cfg.Logger, cfg.Settings

	cls, err := classifier.New(classifier.Config{FuzzyThreshold: s.FuzzyThreshold})
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	reg, err := operations.NewDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to create operation registry: %w", err)
	}

	gw := cfg.Gateway
	if gw == nil {
		gw, err = newGateway(log, s.Anthropic)
		if err != nil {
			return nil, err
		}
	}

	ev := cfg.Evaluator
	if ev == nil {
		ev, err = sandbox.NewDuckDB(sandbox.DuckDBConfig{
			Logger:        log,
			MaxMemory:     s.Sandbox.MaxMemory,
			Threads:       s.Sandbox.Threads,
			MaxResultRows: s.Sandbox.MaxResultRows,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create script engine: %w", err)
		}
	}
	sb, err := sandbox.New(sandbox.Config{Logger: log, Evaluator: ev, Timeout: s.SandboxTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Registerer != nil {
		m = metrics.New(cfg.Registerer)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Logger:         log,
		Clock:          cfg.Clock,
		Classifier:     cls,
		Registry:       reg,
		Gateway:        gw,
		Sandbox:        sb,
		Metrics:        m,
		MaxRetries:     s.MaxRetries,
		GatewayTimeout: s.GatewayTimeout,
		SandboxTimeout: s.SandboxTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	an, err := New(Config{Logger: log, Runner: orch, MaxConcurrency: s.MaxConcurrency})
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	return &Runtime{
		Classifier:   cls,
		Registry:     reg,
		Gateway:      gw,
		Sandbox:      sb,
		Metrics:      m,
		Orchestrator: orch,
		Analyzer:     an,
	}, nil
}

func (r *Runtime) Close() {
	r.Analyzer.Close()
}

func newGateway(log *slog.Logger, s config.AnthropicConfig) (gateway.Gateway, error) {
	if s.APIKey == "" {
		log.Warn("analyzer: no anthropic api key configured, MEDIUM and COMPLEX questions will fail")
		return gateway.Unavailable{}, nil
	}
	gw, err := gateway.NewAnthropic(gateway.AnthropicConfig{
		Logger:    log,
		APIKey:    s.APIKey,
		BaseURL:   s.BaseURL,
		Model:     anthropic.Model(s.Model),
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic gateway: %w", err)
	}
	return gw, nil
}
