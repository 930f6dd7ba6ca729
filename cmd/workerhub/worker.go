package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workerhub/pkg/workerhub"
	"github.com/randalmurphal/workerhub/pkg/workerhub/config"
)

func newWorkerCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a staged Lua worker (started by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the worker protocol; logs go to stderr.
			logger := newLogger(config.LogSettings{Level: logLevel, Format: "text"}, os.Stderr)
			ctx, stop := withSignals(cmd.Context())
			defer stop()
			return workerhub.ServeWorker(ctx, os.Stdin, os.Stdout, logger)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "worker log level")
	return cmd
}
