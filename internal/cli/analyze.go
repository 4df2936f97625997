package cli

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/spf13/cobra"
)

type AnalyzeCmd struct{}

func NewAnalyzeCmd() *AnalyzeCmd {
	return &AnalyzeCmd{}
}

func (c *AnalyzeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze QUESTION",
		Short: "Answer one question about a dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := getOutput(cmd)
			if err != nil {
				return err
			}
			ds, err := loadDataset(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.Analyzer.Analyze(cmd.Context(), strings.Join(args, " "), ds)

			if output == outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
			} else {
				printResult(cmd.OutOrStdout(), res)
			}
			if !res.OK() {
				return fmt.Errorf("query failed: %s", res.Error.Kind)
			}
			return nil
		},
	}

	cmd.Flags().StringP("data", "d", "", "CSV or JSON dataset file, - for stdin")
	cmd.Flags().StringP("output", "o", outputTable, "output format (table, json)")

	return cmd
}

// newRuntime builds an analysis runtime without metrics.
func newRuntime(cmd *cobra.Command) (*analyzer.Runtime, error) {
	log, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	rt, err := analyzer.NewRuntime(analyzer.RuntimeConfig{Logger: log, Settings: *settings})
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}
	return rt, nil
}
