package main

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/config"
	"github.com/chronicle/chronicle/internal/walcore"
)

// newVerifyWALCmd opens the log through walcore.Open, which may truncate a
// torn tail, delete orphan segment files, or create the first segment of an
// empty directory, and walks every record. It reports each record that fails
// to decode and stops at the first corrupt one. It is an operator tool, not
// part of the C8 Recovery Engine's automated path.
func newVerifyWALCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-wal",
		Short: "scan the WAL, report every malformed record, and stop at the first corrupt one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runVerifyWAL(cfg.Queue.Path, cfg.Queue.RollCycle, cfg.Queue.CacheName)
		},
	}
}

func runVerifyWAL(dir, rollCycle, cacheName string) error {
	wal, err := walcore.Open(dir,
		walcore.WithRollCycle(rollCycle),
		walcore.WithCacheName(cacheName),
		walcore.WithLogger(log.NewNopLogger()),
	)
	if err != nil {
		return fmt.Errorf("opening wal: %w", err)
	}
	defer wal.Close()

	tailer, err := wal.NewTailer(walcore.PositionStart())
	if err != nil {
		return err
	}

	var scanned, malformed int
	for {
		idx, body, err := tailer.ReadNext()
		if err == walcore.ErrNoMoreEntries {
			break
		}
		if err != nil {
			fmt.Printf("index %d: corrupt: %v\n", tailer.Position(), err)
			return nil
		}
		if _, err := codec.Decode(body); err != nil {
			fmt.Printf("index %d: malformed: %v\n", idx, err)
			malformed++
		}
		scanned++
	}
	fmt.Printf("scanned %d records, %d malformed\n", scanned, malformed)
	return nil
}
