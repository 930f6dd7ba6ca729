package main

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/workerhub/pkg/workerhub/control"
)

func newStopCmd() *cobra.Command {
	var (
		addr      string
		token     string
		tokenFile string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running hub through its control channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				if tokenFile == "" {
					return errors.New("--token or --token-file is required")
				}
				var err error
				if token, err = control.ReadTokenFile(tokenFile); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := control.SendClose(ctx, addr, token); err != nil {
				return err
			}
			cmd.Println("shutdown requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8888", "control channel address")
	cmd.Flags().StringVar(&token, "token", "", "shutdown token")
	cmd.Flags().StringVar(&tokenFile, "token-file", filepath.Join("build", control.TokenFileName),
		"file the running hub wrote its token to, used when --token is empty")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the hub to accept")
	return cmd
}
