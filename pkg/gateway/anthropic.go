package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/operations"
)

const (
	DefaultModel          = anthropic.ModelClaudeSonnet4_5_20250929
	DefaultMaxTokens      = 2048
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
)

type AnthropicConfig struct {
	Logger    *slog.Logger
	APIKey    string
	BaseURL   string
	Model     anthropic.Model
	MaxTokens int64

	// MaxAttempts bounds transport-level retries of a single gateway call. These are
	// separate from the orchestrator's retry budget.
	MaxAttempts    uint
	InitialBackoff time.Duration
}

func (cfg *AnthropicConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	return nil
}

// Anthropic is a Gateway backed by the Anthropic Messages API.
type Anthropic struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

var _ Gateway = (*Anthropic)(nil)

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are driven by backoff below.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (a *Anthropic) SelectOperation(ctx context.Context, req SelectRequest) (*Selection, error) {
	tools, err := toAnthropicTools(req.Catalog)
	if err != nil {
		return nil, failure.Wrap(failure.GatewayError, err, "failed to build operation tools")
	}
	msg, err := a.complete(ctx, "select_operation", anthropic.MessageNewParams{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    cachedSystem(selectSystemPrompt),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(selectUserPrompt(req))),
		},
		Tools: tools,
	})
	if err != nil {
		return nil, err
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		tu := block.AsToolUse()
		params := map[string]any{}
		if len(tu.Input) > 0 {
			if err := json.Unmarshal(tu.Input, &params); err != nil {
				return nil, failure.Wrap(failure.OperationParameterInvalid, err, "model returned malformed parameters for %s", tu.Name)
			}
		}
		a.log.Debug("gateway: operation selected", "operation", tu.Name, "params", params)
		return &Selection{Operation: tu.Name, Params: params}, nil
	}

	a.log.Debug("gateway: no operation selected", "reply", truncate(firstText(msg), 200))
	return nil, nil
}

func (a *Anthropic) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	msg, err := a.complete(ctx, "generate_script", anthropic.MessageNewParams{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    cachedSystem(scriptSystemPrompt),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(scriptUserPrompt(req))),
		},
	})
	if err != nil {
		return "", err
	}
	script := ExtractScript(firstText(msg))
	if script == "" {
		return "", failure.New(failure.GatewayError, "model returned an empty script")
	}
	return script, nil
}

func (a *Anthropic) complete(ctx context.Context, call string, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff

	start := time.Now()
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		msg, err := a.client.Messages.New(ctx, params)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		a.log.Warn("gateway: retrying model call", "call", call, "error", err)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(a.cfg.MaxAttempts))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.Wrap(failure.GatewayError, ctxErr, "language model call %s timed out", call)
		}
		return nil, failure.Wrap(failure.GatewayError, err, "language model call %s failed", call)
	}

	a.log.Debug("gateway: model call finished", "call", call, "duration", time.Since(start),
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens, "stop_reason", msg.StopReason)
	return msg, nil
}

// retryable reports whether an API error is transient: rate limits, overload and
// server errors. Transport errors without a status are retried too.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func cachedSystem(prompt string) []anthropic.TextBlockParam {
	return []anthropic.TextBlockParam{
		{
			Text:         prompt,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		},
	}
}

func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// toAnthropicTools exposes each catalog operation as a tool whose input schema is the
// operation's parameter schema.
func toAnthropicTools(catalog []operations.CatalogEntry) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(catalog))
	for _, entry := range catalog {
		props, required, err := schemaParts(entry)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", entry.Name, err)
		}
		toolParam := anthropic.ToolParam{
			Name:        entry.Name,
			Description: anthropic.Opt(entry.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools, nil
}

func schemaParts(entry operations.CatalogEntry) (map[string]any, []string, error) {
	props := map[string]any{}
	if entry.Parameters == nil {
		return props, nil, nil
	}
	raw, err := json.Marshal(entry.Parameters)
	if err != nil {
		return nil, nil, err
	}
	var doc struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	if doc.Properties != nil {
		props = doc.Properties
	}
	return props, doc.Required, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
