package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

type BatchCmd struct{}

func NewBatchCmd() *BatchCmd {
	return &BatchCmd{}
}

func (c *BatchCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Answer a file of questions about one dataset concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := getOutput(cmd)
			if err != nil {
				return err
			}
			questionsPath, err := cmd.Flags().GetString("questions")
			if err != nil {
				return fmt.Errorf("failed to get questions flag: %w", err)
			}
			if questionsPath == "" {
				return errors.New("--questions is required")
			}
			ds, err := loadDataset(cmd)
			if err != nil {
				return err
			}
			questions, err := readQuestions(cmd, questionsPath)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := rt.Analyzer.AnalyzeBatch(cmd.Context(), questions, ds)
			if err != nil {
				return err
			}

			if output == outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return fmt.Errorf("failed to write results: %w", err)
				}
			} else {
				printBatch(cmd.OutOrStdout(), results)
			}

			var failed int
			for _, res := range results {
				if !res.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d questions failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringP("data", "d", "", "CSV or JSON dataset file, - for stdin")
	cmd.Flags().StringP("questions", "q", "", "file with one question per line, - for stdin")
	cmd.Flags().StringP("output", "o", outputTable, "output format (table, json)")

	return cmd
}
