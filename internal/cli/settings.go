package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/malbeclabs/tableqa/pkg/config"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// newLogger logs to stderr so command output on stdout stays machine-readable.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return logger.NewWithWriter(cmd.ErrOrStderr(), verbose), nil
}

// loadSettings layers the persistent override flags on top of config.Load.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	file, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}

	cfg, err := config.Load(config.LoadOptions{File: file, EnvFile: envFile})
	if err != nil {
		return nil, err
	}

	if err := overrideInt(flags, "max-retries", &cfg.MaxRetries); err != nil {
		return nil, err
	}
	if err := overrideDuration(flags, "gateway-timeout", &cfg.GatewayTimeout); err != nil {
		return nil, err
	}
	if err := overrideDuration(flags, "sandbox-timeout", &cfg.SandboxTimeout); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideInt(flags *pflag.FlagSet, name string, dst *int) error {
	if !flags.Changed(name) {
		return nil
	}
	v, err := flags.GetInt(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*dst = v
	return nil
}

func overrideDuration(flags *pflag.FlagSet, name string, dst *time.Duration) error {
	if !flags.Changed(name) {
		return nil
	}
	v, err := flags.GetDuration(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*dst = v
	return nil
}

func overrideString(flags *pflag.FlagSet, name string, dst *string) error {
	if !flags.Changed(name) {
		return nil
	}
	v, err := flags.GetString(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*dst = v
	return nil
}

func getOutput(cmd *cobra.Command) (string, error) {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return "", fmt.Errorf("failed to get output flag: %w", err)
	}
	switch output {
	case outputTable, outputJSON:
		return output, nil
	default:
		return "", fmt.Errorf("invalid output: %s", output)
	}
}

// loadDataset reads a CSV or JSON table from path, or from stdin when path is "-".
// JSON is either {"columns": [...], "rows": [[...]]} or a list of objects.
func loadDataset(cmd *cobra.Command) (*dataset.Dataset, error) {
	path, err := cmd.Flags().GetString("data")
	if err != nil {
		return nil, fmt.Errorf("failed to get data flag: %w", err)
	}
	if path == "" {
		return nil, errors.New("--data is required")
	}

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	ds, err := parseDataset(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	return ds, nil
}

func parseDataset(path string, data []byte) (*dataset.Dataset, error) {
	trimmed := strings.TrimSpace(string(data))
	isJSON := strings.EqualFold(filepath.Ext(path), ".json") ||
		strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if !isJSON {
		return dataset.ReadCSV(strings.NewReader(string(data)))
	}

	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return dataset.FromRecords(records, nil)
	}
	var ds dataset.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// readQuestions returns the non-blank lines of path that do not start with '#'.
func readQuestions(cmd *cobra.Command, path string) ([]string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}

	var questions []string
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, line)
	}
	if len(questions) == 0 {
		return nil, errors.New("no questions found")
	}
	return questions, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
