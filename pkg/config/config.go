// Package config loads tableqa settings in layers: built-in defaults, an optional YAML
// file, an optional .env file, then the process environment. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxRetries     = 2
	DefaultGatewayTimeout = 30 * time.Second
	DefaultSandboxTimeout = 10 * time.Second
	DefaultFuzzyThreshold = 0.8

	DefaultListenAddr     = ":8080"
	DefaultMetricsAddr    = ":9090"
	DefaultMaxConcurrency = 4
	DefaultDatasetTTL     = 30 * time.Minute
	DefaultMaxUploadBytes = 32 << 20

	DefaultSandboxMaxMemory     = "256MB"
	DefaultSandboxThreads       = 1
	DefaultSandboxMaxResultRows = 100_000
)

// Environment variable names.
const (
	EnvMaxRetries         = "MAX_RETRIES"
	EnvGatewayTimeout     = "GATEWAY_TIMEOUT"
	EnvSandboxTimeout     = "SANDBOX_TIMEOUT"
	EnvFuzzyThreshold     = "SIMPLE_FUZZY_MATCH_THRESHOLD"
	EnvAnthropicAPIKey    = "ANTHROPIC_API_KEY"
	EnvAnthropicModel     = "ANTHROPIC_MODEL"
	EnvAnthropicMaxTokens = "ANTHROPIC_MAX_TOKENS"
	EnvAnthropicBaseURL   = "ANTHROPIC_BASE_URL"
	EnvListenAddr         = "TABLEQA_LISTEN_ADDR"
	EnvMetricsAddr        = "TABLEQA_METRICS_ADDR"
	EnvMaxConcurrency     = "TABLEQA_MAX_CONCURRENCY"
	EnvDatasetTTL         = "TABLEQA_DATASET_TTL"
)

type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
	FuzzyThreshold float64       `yaml:"simple_fuzzy_match_threshold"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Server    ServerConfig    `yaml:"server"`
}

type AnthropicConfig struct {
	// APIKey is only read from the environment. Without it the model-backed tiers fail
	// with gateway_error.
	APIKey    string `yaml:"-"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
}

type SandboxConfig struct {
	MaxMemory     string `yaml:"max_memory"`
	Threads       int    `yaml:"threads"`
	MaxResultRows int    `yaml:"max_result_rows"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	DatasetTTL     time.Duration `yaml:"dataset_ttl"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		GatewayTimeout: DefaultGatewayTimeout,
		SandboxTimeout: DefaultSandboxTimeout,
		FuzzyThreshold: DefaultFuzzyThreshold,
		MaxConcurrency: DefaultMaxConcurrency,
		Sandbox: SandboxConfig{
			MaxMemory:     DefaultSandboxMaxMemory,
			Threads:       DefaultSandboxThreads,
			MaxResultRows: DefaultSandboxMaxResultRows,
		},
		Server: ServerConfig{
			ListenAddr:     DefaultListenAddr,
			MetricsAddr:    DefaultMetricsAddr,
			DatasetTTL:     DefaultDatasetTTL,
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
	}
}

func (cfg *Config) Validate() error {
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1 (the SIMPLE attempt is not counted), got %d", cfg.MaxRetries)
	}
	if cfg.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive, got %s", cfg.GatewayTimeout)
	}
	if cfg.SandboxTimeout <= 0 {
		return fmt.Errorf("sandbox timeout must be positive, got %s", cfg.SandboxTimeout)
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy match threshold must be in (0, 1], got %v", cfg.FuzzyThreshold)
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.Anthropic.MaxTokens < 0 {
		return fmt.Errorf("anthropic max tokens must not be negative, got %d", cfg.Anthropic.MaxTokens)
	}
	if cfg.Sandbox.Threads < 1 {
		return fmt.Errorf("sandbox threads must be at least 1, got %d", cfg.Sandbox.Threads)
	}
	if cfg.Sandbox.MaxResultRows < 1 {
		return fmt.Errorf("sandbox max result rows must be at least 1, got %d", cfg.Sandbox.MaxResultRows)
	}
	if cfg.Server.DatasetTTL <= 0 {
		return fmt.Errorf("dataset ttl must be positive, got %s", cfg.Server.DatasetTTL)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", cfg.Server.MaxUploadBytes)
	}
	return nil
}

type LoadOptions struct {
	// File is an optional YAML file. A missing file is an error.
	File string
	// EnvFile is an optional .env file. A missing file is ignored.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// Load builds a validated Config. The process environment wins over the .env file,
// which wins over the YAML file.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.File, err)
		}
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		vars, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		default:
			dotenv = vars
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) applyEnv(env func(string) (string, bool)) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := env(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
				return
			}
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}

	setInt(EnvMaxRetries, &cfg.MaxRetries)
	setDuration(EnvGatewayTimeout, &cfg.GatewayTimeout)
	setDuration(EnvSandboxTimeout, &cfg.SandboxTimeout)
	if v, ok := env(EnvFuzzyThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", EnvFuzzyThreshold, v, err))
		} else {
			cfg.FuzzyThreshold = f
		}
	}
	setString(EnvAnthropicAPIKey, &cfg.Anthropic.APIKey)
	setString(EnvAnthropicModel, &cfg.Anthropic.Model)
	setString(EnvAnthropicBaseURL, &cfg.Anthropic.BaseURL)
	if v, ok := env(EnvAnthropicMaxTokens); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", EnvAnthropicMaxTokens, v, err))
		} else {
			cfg.Anthropic.MaxTokens = n
		}
	}
	setString(EnvListenAddr, &cfg.Server.ListenAddr)
	setString(EnvMetricsAddr, &cfg.Server.MetricsAddr)
	setInt(EnvMaxConcurrency, &cfg.MaxConcurrency)
	setDuration(EnvDatasetTTL, &cfg.Server.DatasetTTL)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30s") and bare numbers of seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
