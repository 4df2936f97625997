package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/tableqa/internal/server"
	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type ServeCmd struct {
	build Build
}

func NewServeCmd(build Build) *ServeCmd {
	return &ServeCmd{build: build}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis API, the MCP endpoint and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd)
			if err != nil {
				return err
			}
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if err := overrideString(cmd.Flags(), "listen-addr", &settings.Server.ListenAddr); err != nil {
				return err
			}
			if err := overrideString(cmd.Flags(), "metrics-addr", &settings.Server.MetricsAddr); err != nil {
				return err
			}
			origins, err := cmd.Flags().GetStringSlice("allowed-origins")
			if err != nil {
				return fmt.Errorf("failed to get allowed-origins flag: %w", err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			rt, err := analyzer.NewRuntime(analyzer.RuntimeConfig{
				Logger:     log,
				Settings:   *settings,
				Registerer: reg,
			})
			if err != nil {
				return fmt.Errorf("failed to create runtime: %w", err)
			}
			defer rt.Close()
			rt.Metrics.BuildInfo.WithLabelValues(c.build.Version, c.build.Commit, c.build.Date).Set(1)

			srv, err := server.New(server.Config{
				Logger:         log,
				Runtime:        rt,
				Gatherer:       reg,
				Version:        c.build.Version,
				ListenAddr:     settings.Server.ListenAddr,
				MetricsAddr:    settings.Server.MetricsAddr,
				AllowedOrigins: origins,
				DatasetTTL:     settings.Server.DatasetTTL,
				MaxUploadBytes: settings.Server.MaxUploadBytes,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log.Info("tableqa: starting", "version", c.build.Version, "commit", c.build.Commit,
				"listen_addr", settings.Server.ListenAddr, "metrics_addr", settings.Server.MetricsAddr,
				"max_retries", settings.MaxRetries)
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			log.Info("tableqa: stopped", "reason", context.Cause(ctx))
			return nil
		},
	}

	cmd.Flags().String("listen-addr", "", "API listen address, overrides the configured one")
	cmd.Flags().String("metrics-addr", "", "metrics listen address, empty config value disables it")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins (default *)")

	return cmd
}
