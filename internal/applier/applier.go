// Package applier implements spec.md's C7 Applier: a single tailer that
// reads committed batches from the WAL, applies each to its target
// relational database inside a transaction, and advances a durable offset.
package applier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chronicle/chronicle/internal/catalog"
	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/recovery"
	"github.com/chronicle/chronicle/internal/store"
	"github.com/chronicle/chronicle/internal/walcore"
)

type metrics struct {
	committed  prometheus.Counter
	rolledBack prometheus.Counter
	corrupt    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		committed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_applier_batches_committed_total",
			Help: "Number of batches committed to their target database(s).",
		}),
		rolledBack: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_applier_batches_rolled_back_total",
			Help: "Number of batches that failed and were rolled back, to be retried.",
		}),
		corrupt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_applier_corruptions_total",
			Help: "Number of corruption events routed to the recovery engine.",
		}),
	}
}

// Applier is the C7 worker.
type Applier struct {
	wal      *walcore.WAL
	pools    *store.Pools
	offsets  *store.OffsetStore
	cat      *catalog.Catalog
	recovery *recovery.Engine
	health   *Health

	consumerID   string
	offsetDB     string
	backoff      time.Duration
	degradeAfter int

	logger  log.Logger
	metrics *metrics
}

// Option configures an Applier.
type Option func(*Applier)

func WithLogger(l log.Logger) Option { return func(a *Applier) { a.logger = l } }
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *Applier) { a.metrics = newMetrics(r) }
}
func WithBackoff(d time.Duration) Option     { return func(a *Applier) { a.backoff = d } }
func WithDegradeAfter(n int) Option          { return func(a *Applier) { a.degradeAfter = n } }

// New constructs an Applier. offsetDB names the single, fixed target
// database the offset store is bound to (see boot.Boot); it must match
// whatever pool offsets itself was constructed against, since applyBatch
// relies on writing the offset inside a transaction against that same
// pool. An empty offsetDB means no target database is configured at all,
// in which case the offset falls back to its own standalone transaction
// against offsets' own (administrative) pool.
func New(
	wal *walcore.WAL,
	pools *store.Pools,
	offsets *store.OffsetStore,
	cat *catalog.Catalog,
	rec *recovery.Engine,
	health *Health,
	consumerID string,
	offsetDB string,
	opts ...Option,
) *Applier {
	a := &Applier{
		wal: wal, pools: pools, offsets: offsets, cat: cat, recovery: rec, health: health,
		consumerID: consumerID, offsetDB: offsetDB, backoff: 100 * time.Millisecond, degradeAfter: 10,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = log.NewNopLogger()
	}
	if a.metrics == nil {
		a.metrics = newMetrics(nil)
	}
	return a
}

// Run is the applier's main loop, per spec.md §4.7. It returns when ctx is
// cancelled.
func (a *Applier) Run(ctx context.Context) error {
	last, ok, err := a.offsets.Read(ctx, a.consumerID)
	if err != nil {
		return fmt.Errorf("applier: reading initial offset: %w", err)
	}
	start := walcore.PositionStart()
	if ok {
		start = walcore.PositionAt(last + 1)
	}
	tailer, err := a.wal.NewTailer(start)
	if err != nil {
		return fmt.Errorf("applier: opening tailer: %w", err)
	}

	consecutiveFailures := 0
	backoff := a.backoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		idx, body, err := tailer.ReadNext()
		if err != nil {
			if err == walcore.ErrNoMoreEntries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(a.backoff):
				}
				continue
			}
			a.metrics.corrupt.Inc()
			resumeAt, rerr := a.recovery.HandleCorruption(ctx, tailer, recovery.ModeRuntime, tailer.Position(), err)
			if rerr != nil {
				level.Error(a.logger).Log("msg", "recovery engine failed to resolve corruption", "err", rerr)
				a.health.Set(StateUnhealthy)
				return fmt.Errorf("applier: unrecoverable corruption: %w", rerr)
			}
			tailer.MoveTo(resumeAt)
			continue
		}

		if err := a.applyBatch(ctx, idx, body); err != nil {
			consecutiveFailures++
			level.Error(a.logger).Log("msg", "failed to apply batch, will retry", "index", idx, "err", err, "consecutive_failures", consecutiveFailures)
			a.metrics.rolledBack.Inc()
			tailer.MoveTo(idx)
			if consecutiveFailures >= a.degradeAfter {
				a.health.Set(StateDegraded)
				level.Error(a.logger).Log("msg", "applier entering degraded mode", "index", idx, "consecutive_failures", consecutiveFailures)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		consecutiveFailures = 0
		backoff = a.backoff
		if a.health.Get() == StateDegraded {
			a.health.Set(StateHealthy)
		}
		a.metrics.committed.Inc()
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 10
	const cap = 10 * time.Second
	if next > cap {
		next = cap
	}
	return next
}

// applyBatch decodes body and commits it against its target database(s),
// per spec.md §4.7 steps 2-5.
func (a *Applier) applyBatch(ctx context.Context, idx uint64, body []byte) error {
	batch, err := codec.Decode(body)
	if err != nil {
		// A malformed record that nonetheless passed CRC validation is a
		// codec-level defect, not WAL corruption; retrying cannot fix it.
		// It is surfaced as an applier error, so repeated failures at this
		// index put the applier into degraded mode and alert the operator,
		// per §7's Apply/Corruption taxonomy split.
		return fmt.Errorf("decoding batch at index %d: %w", idx, err)
	}

	txByDB := make(map[string]pgx.Tx)
	defer func() {
		for _, tx := range txByDB {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, e := range batch.Entries {
		tx, ok := txByDB[e.DBName]
		if !ok {
			pool, ok := a.pools.DB(e.DBName)
			if !ok {
				return fmt.Errorf("no configured pool for database %q", e.DBName)
			}
			tx, err = pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("beginning transaction on %q: %w", e.DBName, err)
			}
			txByDB[e.DBName] = tx
		}

		if err := a.applyEntry(ctx, tx, idx, e); err != nil {
			return fmt.Errorf("applying entry (db=%s table=%s): %w", e.DBName, e.TableName, err)
		}
	}

	// The offset must advance atomically with the data write (spec.md
	// §4.3, §4.7 step 4, testable property 4), so it is written inside one
	// of the transactions already open above rather than a separate
	// transaction opened afterward. a.offsetDB names the single, fixed
	// database the offset store is bound to (see boot.Boot); reuse its
	// transaction if this batch already touched it, otherwise open one
	// just for the offset write and let it commit alongside the rest.
	// This is a real same-transaction guarantee whenever the batch touches
	// only that one database (the common case); for a batch spanning
	// several databases the offset is still pinned to this single, fixed
	// one, inheriting the partial multi-db commit hazard spec.md §9 Open
	// Question 2 already names for the data writes themselves.
	if a.offsetDB != "" {
		tx, ok := txByDB[a.offsetDB]
		if !ok {
			pool, ok := a.pools.DB(a.offsetDB)
			if !ok {
				return fmt.Errorf("no configured pool for offset database %q", a.offsetDB)
			}
			var err error
			tx, err = pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("beginning offset transaction on %q: %w", a.offsetDB, err)
			}
			txByDB[a.offsetDB] = tx
		}
		if err := a.offsets.Write(ctx, tx, a.consumerID, idx); err != nil {
			return fmt.Errorf("writing offset for index %d: %w", idx, err)
		}
	}

	// Commit every open transaction in a fixed, deterministic order so
	// "the last transaction committed" is reproducible across runs, not an
	// artifact of Go's randomized map iteration.
	dbs := make([]string, 0, len(txByDB))
	for db := range txByDB {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)

	// Best-effort multi-DB commit: each target database transaction
	// commits independently. A failure after some have already committed
	// is the partial-commit hazard spec.md §9 Open Question 2 names; it is
	// not solved with 2PC here, only surfaced. The deferred rollback loop
	// above is a no-op (and its error ignored) for any tx already
	// committed here.
	committedDBs := make([]string, 0, len(dbs))
	for _, db := range dbs {
		if err := txByDB[db].Commit(ctx); err != nil {
			level.Error(a.logger).Log("msg", "partial multi-db commit failure", "index", idx, "committed_before_failure", committedDBs, "failed_db", db, "err", err)
			return fmt.Errorf("committing transaction on %q: %w", db, err)
		}
		committedDBs = append(committedDBs, db)
	}

	if a.offsetDB == "" {
		// No target database is configured at all (a degenerate
		// deployment with nothing to apply to); fall back to a
		// standalone transaction against the offset store's own pool.
		if err := a.writeOffsetStandalone(ctx, idx); err != nil {
			return fmt.Errorf("writing offset for index %d: %w", idx, err)
		}
	}
	return nil
}

// applyEntry binds an entry's fields in the catalog's declared column order
// and executes the matching statement, per spec.md §4.7 step 3. It also
// writes a delta_log audit row when the table opts in.
func (a *Applier) applyEntry(ctx context.Context, tx pgx.Tx, idx uint64, e codec.Entry) error {
	spec, ok := a.cat.Table(e.TableName)
	if !ok {
		return fmt.Errorf("no catalog entry for table %q", e.TableName)
	}
	stmt, ok := a.cat.StatementFor(e.TableName, catalog.Operation(e.Operation))
	if !ok {
		return fmt.Errorf("no statement for table %q operation %s", e.TableName, e.Operation)
	}

	args := make([]any, 0, len(stmt.ParamOrder))
	for _, col := range stmt.ParamOrder {
		v, ok := e.Data[col]
		if !ok {
			return fmt.Errorf("entry missing bound column %q", col)
		}
		args = append(args, toDriverValue(v))
	}
	if _, err := tx.Exec(ctx, stmt.SQL, args...); err != nil {
		return fmt.Errorf("executing %s statement: %w", e.Operation, err)
	}

	if spec.Audit {
		audit := store.AuditEntryFromData(a.consumerID, e.DBName, idx, e.Data)
		if err := store.WriteDeltaLog(ctx, tx, audit); err != nil {
			return err
		}
	}
	return nil
}

// writeOffsetStandalone is only reached when no target database is
// configured at all, in which case there is no per-DB transaction to
// piggyback on and the offset store's own (administrative) pool is used
// directly.
func (a *Applier) writeOffsetStandalone(ctx context.Context, idx uint64) error {
	tx, err := a.pools.Admin().Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning admin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := a.offsets.Write(ctx, tx, a.consumerID, idx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func toDriverValue(v codec.Value) any {
	switch v.Kind {
	case codec.KindNull:
		return nil
	case codec.KindString:
		return v.Str
	case codec.KindInt64:
		return v.Int
	case codec.KindFloat64:
		return v.Float
	case codec.KindBool:
		return v.Bool
	case codec.KindDecimal:
		return v.Decimal.String()
	default:
		return nil
	}
}
