package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/propchat/internal/presence"
)

func newLastSeenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last-seen [RFC3339 timestamp]",
		Short: "Render a last-seen timestamp the way presence displays it",
		Args:  cobra.MaximumNArgs(1),
		// Pure formatting; no config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			var seen time.Time
			if len(args) == 1 {
				t, err := time.Parse(time.RFC3339, args[0])
				if err != nil {
					return fmt.Errorf("parse timestamp: %w", err)
				}
				seen = t
			}
			fmt.Fprintln(cmd.OutOrStdout(), presence.FormatLastSeen(time.Now(), seen))
			return nil
		},
	}
}
