// Package boot implements spec.md's C9 Boot Sequencer: integrity check →
// load cache from DB → replay WAL into cache → mark ready → start applier →
// start checkpoint timer, coordinated with golang.org/x/sync/errgroup the
// way the retrieval pack's service entrypoints do.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle/chronicle/internal/applier"
	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/catalog"
	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/config"
	"github.com/chronicle/chronicle/internal/producer"
	"github.com/chronicle/chronicle/internal/recovery"
	"github.com/chronicle/chronicle/internal/store"
	"github.com/chronicle/chronicle/internal/walcore"
)

// System is every long-lived component the boot sequencer wires together
// and that cmd/chronicled serves, per §9's "global state" note: these are
// process-wide singletons constructed during boot and torn down in reverse
// order.
type System struct {
	Config   *config.Config
	WAL      *walcore.WAL
	Cache    *cache.Store
	Catalog  *catalog.Catalog
	Pools    *store.Pools
	Producer *producer.Producer
	Applier  *applier.Applier
	Health   *applier.Health
	Recovery *recovery.Engine

	offsets     *store.OffsetStore
	checkpoints *store.CheckpointStore
	dataLoss    *store.DataLossStore

	logger log.Logger
	ready  chan struct{}
}

// Boot performs the full startup sequence described in spec.md §4.9 and
// returns a System ready to serve submissions. ctx governs the boot
// sequence itself (startup replay is not cancellable per §5, but the
// surrounding DB connects and schema checks are).
func Boot(ctx context.Context, cfg *config.Config, logger log.Logger, reg prometheus.Registerer) (*System, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	cat, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("boot: loading catalog: %w", err)
	}

	databases := make(map[string]string, len(cfg.Databases))
	for name, dsn := range cfg.Databases {
		databases[name] = dsn.URL
	}
	pools, err := store.Open(ctx, cfg.Admin.URL, databases)
	if err != nil {
		return nil, fmt.Errorf("boot: opening database pools: %w", err)
	}

	// The offset must advance in the same transaction as the batch's data
	// writes (spec.md §4.3, §4.7 step 4). That's only possible if the
	// offsets table lives in a database the applier already has a
	// transaction open against, so pick one fixed target database up
	// front — sorted first of the configured databases, falling back to
	// the administrative pool only when no target database is configured
	// at all — rather than the administrative pool, which is always a
	// distinct connection from every target database's pool.
	offsetDBName, offsetPool := "", pools.Admin()
	if names := pools.Names(); len(names) > 0 {
		offsetDBName = names[0]
		offsetPool, _ = pools.DB(offsetDBName)
	}

	offsets := store.NewOffsetStore(offsetPool, cfg.Queue.OffsetTable)
	checkpoints := store.NewCheckpointStore(pools.Admin())
	dataLoss := store.NewDataLossStore(pools.Admin())
	if err := offsets.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := dataLoss.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	// (1) Open or create the log; the WAL's own Open() performs the
	// startup integrity check (torn-tail truncation) internally.
	walOpts := []walcore.Option{
		walcore.WithRollCycle(cfg.Queue.RollCycle),
		walcore.WithCacheName(cfg.Queue.CacheName),
		walcore.WithLogger(logger),
		walcore.WithRegisterer(reg),
	}
	if cfg.Queue.SegmentBytes > 0 {
		walOpts = append(walOpts, walcore.WithSegmentSize(cfg.Queue.SegmentBytes))
	}
	wal, err := walcore.Open(cfg.Queue.Path, walOpts...)
	if err != nil {
		return nil, fmt.Errorf("boot: opening wal: %w", err)
	}
	lastIndex, err := wal.LastAppendedIndex()
	if err != nil {
		return nil, fmt.Errorf("boot: reading last appended index: %w", err)
	}

	loader := store.NewTableLoader(pools, cat)
	cacheStore := cache.New(
		cache.WithLoader(loader),
		cache.WithPrimaryKeyResolver(cat),
		cache.WithLogger(logger),
		cache.WithRegisterer(reg),
	)

	rec := recovery.New(wal, cacheStore, cat, dataLoss, checkpoints, loader, pools.Names(),
		recovery.WithLogger(logger),
		recovery.WithRegisterer(reg),
		recovery.WithRuntimeSkipMax(cfg.Corruption.SkipMaxRuntime),
		recovery.WithStartupSkipMax(cfg.Corruption.SkipMaxStartup),
	)
	rec.StartupIntegrityNote(lastIndex)

	// (2) + (3): load every declared (db, table) from the relational store.
	g, gctx := errgroup.WithContext(ctx)
	for _, table := range cat.Tables() {
		for _, db := range pools.Names() {
			table, db := table, db
			g.Go(func() error {
				rows, err := loader.LoadTable(db, table)
				if err != nil {
					level.Warn(logger).Log("msg", "skipping table not present in database", "db", db, "table", table, "err", err)
					return nil
				}
				cacheStore.LoadTableInto(db, table, rows)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("boot: loading cache from database: %w", err)
	}

	// (4) Replay the log from last_applied_offset+1 to tail into the cache
	// only; the applier advances the DB separately once it starts.
	if cfg.Queue.ReplayOnStart {
		if err := replay(ctx, wal, cacheStore, rec, offsets, cfg.Consumer.ID); err != nil {
			return nil, fmt.Errorf("boot: replaying wal: %w", err)
		}
	}

	prod := producer.New(wal, cacheStore, cat,
		producer.WithLogger(logger),
		producer.WithRegisterer(reg),
	)

	health := applier.NewHealth()
	appl := applier.New(wal, pools, offsets, cat, rec, health, cfg.Consumer.ID, offsetDBName,
		applier.WithLogger(logger),
		applier.WithRegisterer(reg),
		applier.WithBackoff(cfg.BatchBackoff()),
		applier.WithDegradeAfter(cfg.Consumer.DegradeAfter),
	)

	sys := &System{
		Config: cfg, WAL: wal, Cache: cacheStore, Catalog: cat, Pools: pools,
		Producer: prod, Applier: appl, Health: health, Recovery: rec,
		offsets: offsets, checkpoints: checkpoints, dataLoss: dataLoss,
		logger: logger, ready: make(chan struct{}),
	}
	return sys, nil
}

// replay applies every batch from last_offset+1 to the tail into cache only,
// per spec.md §4.9 step 4, routing corruption through the recovery engine in
// startup mode.
func replay(ctx context.Context, wal *walcore.WAL, cacheStore *cache.Store, rec *recovery.Engine, offsets *store.OffsetStore, consumerID string) error {
	last, ok, err := offsets.Read(ctx, consumerID)
	start := walcore.PositionStart()
	if ok {
		start = walcore.PositionAt(last + 1)
	}
	if err != nil {
		return err
	}

	tailer, err := wal.NewTailer(start)
	if err != nil {
		return err
	}

	for {
		_, body, err := tailer.ReadNext()
		if err == walcore.ErrNoMoreEntries {
			return nil
		}
		if err != nil {
			resumeAt, rerr := rec.HandleCorruption(ctx, tailer, recovery.ModeStartup, tailer.Position(), err)
			if rerr != nil {
				return rerr
			}
			tailer.MoveTo(resumeAt)
			continue
		}
		batch, err := codec.Decode(body)
		if err != nil {
			return fmt.Errorf("replay: decoding batch: %w", err)
		}
		cacheStore.ApplyBatch(batch)
	}
}

// Run starts the applier and the checkpoint timer and blocks until ctx is
// cancelled, per spec.md §4.9 step 5's "mark ready, start applier, start
// checkpoint timer".
func (s *System) Run(ctx context.Context) error {
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Applier.Run(gctx)
	})
	g.Go(func() error {
		return s.runCheckpointTimer(gctx)
	})
	return g.Wait()
}

// Ready returns a channel closed once the system has started accepting
// submissions, per §4.9 step 5.
func (s *System) Ready() <-chan struct{} { return s.ready }

func (s *System) runCheckpointTimer(ctx context.Context) error {
	interval := s.Config.CheckpointInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCheckpoint(ctx)
		}
	}
}

// runCheckpoint inserts an InProgress row at the current WAL tail, computes
// the checksum over a cache snapshot and marks the row Completed (spec.md
// §4.4 steps 1, 3 and 4). It does not wait for the applier to drain batches
// it has not yet committed before taking the snapshot.
func (s *System) runCheckpoint(ctx context.Context) {
	tail, err := s.WAL.LastAppendedIndex()
	if err != nil {
		level.Error(s.logger).Log("msg", "checkpoint: reading wal tail failed", "err", err)
		return
	}
	id, err := s.checkpoints.Begin(ctx, s.Config.Queue.CacheName, tail)
	if err != nil {
		level.Error(s.logger).Log("msg", "checkpoint: begin failed", "err", err)
		return
	}
	snap := s.Cache.Snapshot()
	if err := s.checkpoints.Complete(ctx, id, "", snap); err != nil {
		level.Error(s.logger).Log("msg", "checkpoint: complete failed, leaving row InProgress", "err", err)
		return
	}
}

// Close tears down every component in reverse construction order, per §9's
// "global state" note.
func (s *System) Close() error {
	err := s.WAL.Close()
	s.Pools.Close()
	return err
}
