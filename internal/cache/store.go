// Package cache implements spec.md's C5 Cache Storage: a single
// process-wide keyed store (db, table, key) -> row, updated synchronously
// after a successful WAL append so a batch's visibility is atomic across
// every table it touches. Per DESIGN NOTES, this is deliberately one
// unified map with one writer lock rather than per-table maps.
package cache

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chronicle/chronicle/internal/codec"
)

// Key addresses a single row.
type Key struct {
	DB    string
	Table string
	Row   string
}

// Row is the most recently applied data map for a key.
type Row map[string]codec.Value

// Loader bulk-loads every row for a (db, table) pair from the relational
// store, used for lazy population (§4.5) and by the boot sequencer's full
// load (§4.9). Implementations live in internal/store.
type Loader interface {
	LoadTable(db, table string) (map[string]Row, error)
}

// PKResolver tells the cache which column in an entry's data map is the
// table's primary key, per the statement catalog (§9 DESIGN NOTES item 1).
type PKResolver interface {
	PrimaryKeyColumn(table string) (string, bool)
}

// Store is the process-wide row map. Every mutation, whether it touches one
// (db, table) pair or several, takes the single store-wide writer lock mu;
// there is no per-table lock.
type Store struct {
	mu         sync.RWMutex // store-wide; held exclusively by every mutation
	rows       map[Key]Row
	loaded     map[[2]string]bool // which (db, table) pairs have been lazily populated
	loadMu     sync.Mutex
	loader     Loader
	pkResolver PKResolver
	logger     log.Logger
	metrics    *cacheMetrics
}

type cacheMetrics struct {
	applies    prometheus.Counter
	warnings   prometheus.Counter
	lazyLoads  prometheus.Counter
	rowsLoaded prometheus.Counter
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &cacheMetrics{
		applies: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_cache_entries_applied_total",
			Help: "Number of entries applied to the cache (Insert/Update/Delete/Upsert).",
		}),
		warnings: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_cache_update_miss_total",
			Help: "Number of Update entries that referenced a key absent from the cache.",
		}),
		lazyLoads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_cache_lazy_loads_total",
			Help: "Number of (db, table) pairs lazily loaded from the database on first read.",
		}),
		rowsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_cache_rows_loaded_total",
			Help: "Number of rows populated into the cache via bulk or lazy load.",
		}),
	}
}

// Option configures a Store.
type Option func(*Store)

func WithLoader(l Loader) Option     { return func(s *Store) { s.loader = l } }
func WithLogger(l log.Logger) Option { return func(s *Store) { s.logger = l } }
func WithPrimaryKeyResolver(r PKResolver) Option {
	return func(s *Store) { s.pkResolver = r }
}
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Store) { s.metrics = newCacheMetrics(r) }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		rows:   make(map[Key]Row),
		loaded: make(map[[2]string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics = newCacheMetrics(nil)
	}
	return s
}

// ApplyBatch applies every entry of b under a single critical section so no
// observer ever sees a partial batch (§4.5, §4.6, testable property 2).
// Single-table and multi-table batches alike take the store-wide writer
// lock; readers (Get, Contains, Iter, Snapshot) wait while a batch is being
// applied.
func (s *Store) ApplyBatch(b codec.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range b.Entries {
		s.applyLocked(e)
	}
	s.metrics.applies.Add(float64(len(b.Entries)))
}

func (s *Store) applyLocked(e codec.Entry) {
	key, ok := s.rowKey(e)
	if !ok {
		return
	}
	switch e.Operation {
	case codec.OpInsert, codec.OpUpsert:
		s.rows[key] = copyRow(e.Data)
	case codec.OpUpdate:
		if _, exists := s.rows[key]; !exists {
			level.Warn(s.logger).Log("msg", "update referenced missing cache row; WAL remains authoritative",
				"db", e.DBName, "table", e.TableName)
			s.metrics.warnings.Inc()
		}
		s.rows[key] = copyRow(e.Data)
	case codec.OpDelete:
		delete(s.rows, key)
	}
}

// rowKey derives a cache row key from an entry's data map using the
// catalog's declared primary-key column (via pkResolver). If no resolver
// is configured, "id" is assumed, which is sufficient for tests that don't
// wire a catalog.
func (s *Store) rowKey(e codec.Entry) (Key, bool) {
	column := "id"
	if s.pkResolver != nil {
		if c, ok := s.pkResolver.PrimaryKeyColumn(e.TableName); ok {
			column = c
		}
	}
	v, ok := e.Data[column]
	if !ok {
		return Key{}, false
	}
	return Key{DB: e.DBName, Table: e.TableName, Row: renderValue(v)}, true
}

func renderValue(v codec.Value) string {
	switch v.Kind {
	case codec.KindString:
		return v.Str
	case codec.KindInt64:
		return fmt.Sprintf("%d", v.Int)
	case codec.KindFloat64:
		return fmt.Sprintf("%v", v.Float)
	case codec.KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case codec.KindDecimal:
		return v.Decimal.String()
	default:
		return ""
	}
}

func copyRow(data map[string]codec.Value) Row {
	out := make(Row, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Get returns the row at (db, table, key) if present.
func (s *Store) Get(db, table, key string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[Key{DB: db, Table: table, Row: key}]
	return r, ok
}

// Contains reports whether (db, table, key) is present.
func (s *Store) Contains(db, table, key string) bool {
	_, ok := s.Get(db, table, key)
	return ok
}

// Iter calls fn for every row currently cached under (db, table). fn must
// not mutate the store.
func (s *Store) Iter(db, table string, fn func(key string, row Row)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.rows {
		if k.DB == db && k.Table == table {
			fn(k.Row, v)
		}
	}
}

// EnsureLoaded lazily populates (db, table) from the injected Loader on
// first access, without producing any WAL writes (§4.5 "Lazy population").
// It is a no-op if no Loader was configured or the pair was already loaded.
func (s *Store) EnsureLoaded(db, table string) error {
	pairKey := [2]string{db, table}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded[pairKey] || s.loader == nil {
		return nil
	}

	rows, err := s.loader.LoadTable(db, table)
	if err != nil {
		return fmt.Errorf("lazy-loading %s.%s: %w", db, table, err)
	}

	s.mu.Lock()
	for key, row := range rows {
		s.rows[Key{DB: db, Table: table, Row: key}] = row
	}
	s.mu.Unlock()

	s.loaded[pairKey] = true
	s.metrics.lazyLoads.Inc()
	s.metrics.rowsLoaded.Add(float64(len(rows)))
	return nil
}

// LoadTableInto is used by the boot sequencer (§4.9) and recovery rebuild
// path (§4.8) to bulk-populate (db, table) without going through lazy-load
// bookkeeping (they load every declared table up front regardless of
// whether it's been "accessed").
func (s *Store) LoadTableInto(db, table string, rows map[string]Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, row := range rows {
		s.rows[Key{DB: db, Table: table, Row: key}] = row
	}
	s.loadMu.Lock()
	s.loaded[[2]string{db, table}] = true
	s.loadMu.Unlock()
	s.metrics.rowsLoaded.Add(float64(len(rows)))
}

// Clear wipes the entire store, used by the Recovery Engine's
// rebuild-from-database path (§4.8) before reloading every catalog table.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[Key]Row)
	s.loadMu.Lock()
	s.loaded = make(map[[2]string]bool)
	s.loadMu.Unlock()
}

// Len returns the total number of rows cached, for tests and the replay
// command's summary.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Snapshot returns a copy of every (db, table, key, data) tuple for checksum
// computation by the checkpointer (§4.4). The tuples are in no particular
// order; the checksum sorts them itself.
func (s *Store) Snapshot() []SnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SnapshotEntry, 0, len(s.rows))
	for k, v := range s.rows {
		out = append(out, SnapshotEntry{DB: k.DB, Table: k.Table, Key: k.Row, Data: v})
	}
	return out
}

// SnapshotEntry is one tuple in a cache snapshot.
type SnapshotEntry struct {
	DB    string
	Table string
	Key   string
	Data  Row
}

// KeyForColumn renders a row's primary key using an explicit column name
// from the statement catalog; producer validation uses this directly
// before a batch ever reaches the WAL.
func KeyForColumn(data map[string]codec.Value, pkColumn string) (string, bool) {
	v, ok := data[pkColumn]
	if !ok {
		return "", false
	}
	return renderValue(v), true
}
