package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/propchat/internal/app"
)

func newRelayCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay and persistence stand-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c.logger.Info().Str("addr", c.cfg.Relay.Addr).Msg("starting propchat relay")
			if err := app.New(&c.cfg, c.logger).Run(ctx); err != nil {
				return err
			}
			c.logger.Info().Msg("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&c.overrides.Relay.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().DurationVar(&c.overrides.Relay.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	return cmd
}
