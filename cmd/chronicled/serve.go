package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chronicle/chronicle/internal/boot"
	"github.com/chronicle/chronicle/internal/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the boot sequencer, producer path, and applier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sys, err := boot.Boot(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			level.Error(logger).Log("msg", "error during shutdown", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", sys.Health)
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		level.Info(logger).Log("msg", "serving metrics and health endpoint", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server error", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "chronicle ready", "last_wal_index", mustLastIndex(sys))
	err = sys.Run(ctx)
	_ = httpServer.Shutdown(context.Background())
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func mustLastIndex(sys *boot.System) uint64 {
	idx, err := sys.WAL.LastAppendedIndex()
	if err != nil {
		return 0
	}
	return idx
}
