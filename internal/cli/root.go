package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Build identifies the running binary. It is set from linker flags in main.
type Build struct {
	Version string
	Commit  string
	Date    string
}

func Run(build Build) ExitCode {
	if err := NewRootCmd(build).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(build Build) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tableqa",
		Short:        "Answer natural-language questions about tabular data.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "set debug logging level")
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("env-file", ".env", "path to a .env file, ignored when missing")
	flags.Int("max-retries", 0, "override the retry budget for model-backed attempts")
	flags.Duration("gateway-timeout", 0, "override the per-call model gateway timeout")
	flags.Duration("sandbox-timeout", 0, "override the per-run script sandbox timeout")

	rootCmd.AddCommand(
		NewAnalyzeCmd().Command(),
		NewBatchCmd().Command(),
		NewClassifyCmd().Command(),
		NewSchemaCmd().Command(),
		NewOperationsCmd().Command(),
		NewServeCmd(build).Command(),
		NewVersionCmd(build).Command(),
	)

	return rootCmd
}

type VersionCmd struct {
	build Build
}

func NewVersionCmd(build Build) *VersionCmd {
	return &VersionCmd{build: build}
}

func (c *VersionCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "version: %s, commit: %s, date: %s\n", c.build.Version, c.build.Commit, c.build.Date)
			return err
		},
	}
}
