package cli

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/classifier"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/malbeclabs/tableqa/pkg/schema"
	"github.com/spf13/cobra"
)

type ClassifyCmd struct{}

func NewClassifyCmd() *ClassifyCmd {
	return &ClassifyCmd{}
}

func (c *ClassifyCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify QUESTION",
		Short: "Show the execution tier a question is routed to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := getOutput(cmd)
			if err != nil {
				return err
			}
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ds, err := loadDataset(cmd)
			if err != nil {
				return err
			}
			cls, err := classifier.New(classifier.Config{FuzzyThreshold: settings.FuzzyThreshold})
			if err != nil {
				return fmt.Errorf("failed to create classifier: %w", err)
			}

			res := cls.Classify(strings.Join(args, " "), schema.Extract(ds))

			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printClassification(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringP("data", "d", "", "CSV or JSON dataset file, - for stdin")
	cmd.Flags().StringP("output", "o", outputTable, "output format (table, json)")

	return cmd
}

type SchemaCmd struct{}

func NewSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Summarize the columns of a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := getOutput(cmd)
			if err != nil {
				return err
			}
			ds, err := loadDataset(cmd)
			if err != nil {
				return err
			}
			s := schema.Extract(ds)

			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			printSchema(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().StringP("data", "d", "", "CSV or JSON dataset file, - for stdin")
	cmd.Flags().StringP("output", "o", outputTable, "output format (table, json)")

	return cmd
}

type OperationsCmd struct{}

func NewOperationsCmd() *OperationsCmd {
	return &OperationsCmd{}
}

func (c *OperationsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List the predefined operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := getOutput(cmd)
			if err != nil {
				return err
			}
			reg, err := operations.NewDefault()
			if err != nil {
				return fmt.Errorf("failed to create operation registry: %w", err)
			}

			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), reg.Catalog())
			}
			printOperations(cmd.OutOrStdout(), reg.Catalog())
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", outputTable, "output format (table, json)")

	return cmd
}
