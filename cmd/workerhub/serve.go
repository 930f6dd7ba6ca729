package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workerhub/pkg/workerhub"
	"github.com/randalmurphal/workerhub/pkg/workerhub/config"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the event bus and run workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger := newLogger(cfg.Log, os.Stderr)

			hub, err := workerhub.New(cfg, workerhub.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := withSignals(cmd.Context())
			defer stop()
			return hub.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: %s transport, subject %q\n", cfg.Bus.Transport, cfg.Bus.Subject)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	return cmd
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogSettings, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: observability.ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withSignals cancels ctx on SIGINT or SIGTERM.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
