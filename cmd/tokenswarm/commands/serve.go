package commands

import (
	"context"
	"errors"

	"TokenSwarm/internal/api"
	"TokenSwarm/internal/observability/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = cfg.Server.Address
			}
			history, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly("history", history.Close)

			err = api.NewServer(addr, history, metrics.New()).Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
