package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chronicle/chronicle/internal/boot"
	"github.com/chronicle/chronicle/internal/config"
)

// newReplayCmd runs the boot sequencer's cache-load-and-replay path and then
// exits without starting the applier or accepting submissions, useful for
// warming a standby cache or validating a config against a real log.
func newReplayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "load the cache from the database and replay the WAL, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := log.NewLogfmtLogger(log.NewSyncWriter(cmd.OutOrStdout()))

			sys, err := boot.Boot(context.Background(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer sys.Close()

			lastIndex, err := sys.WAL.LastAppendedIndex()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replay complete: cache has %d rows, wal tail is %d\n", sys.Cache.Len(), lastIndex)
			return nil
		},
	}
}
