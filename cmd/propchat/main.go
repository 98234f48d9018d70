package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/log"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	overrides  config.Config

	cfg    config.Config
	logger *zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "propchat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "propchat",
		Short:         "Realtime messaging for the property marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to config file (default ./propchat.yaml)")
	flags.StringVar(&c.overrides.Log.Level, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&c.overrides.Log.Format, "log-format", "", "log format (console, json)")

	root.AddCommand(
		newRelayCmd(c),
		newChatCmd(c),
		newTokenCmd(c),
		newLastSeenCmd(),
	)
	return root
}

func (c *cli) load() error {
	bootstrap := log.NewWithWriter(os.Stderr, "info", "console")

	cfg, path, err := config.Load(bootstrap, c.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(c.overrides)

	c.cfg = cfg
	c.logger = log.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	c.logger.Debug().Str("config", path).Msg("configuration loaded")
	return nil
}
