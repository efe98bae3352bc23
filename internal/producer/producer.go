// Package producer implements spec.md's C6 Producer Path: validate, durably
// append via the WAL and codec, then apply to the cache, in that order
// (§9 Open Question 1 — WAL-first, cache-second, no deviation).
package producer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chronicle/chronicle/internal/cache"
	"github.com/chronicle/chronicle/internal/catalog"
	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/walcore"
)

// EmptyBatchError is returned when a submitted batch has no entries.
type EmptyBatchError struct{}

func (EmptyBatchError) Error() string { return "batch has no entries" }

// InvalidEntryError names the entry index and reason a batch was rejected,
// per spec.md §4.6 step 1.
type InvalidEntryError struct {
	Index  int
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("entry %d invalid: %s", e.Index, e.Reason)
}

// DurableAppendFailedError wraps the underlying WAL error once the retry
// budget is exhausted, per spec.md §4.6 step 2.
type DurableAppendFailedError struct {
	Err error
}

func (e *DurableAppendFailedError) Error() string {
	return fmt.Sprintf("durable append failed: %s", e.Err)
}
func (e *DurableAppendFailedError) Unwrap() error { return e.Err }

// SubmitResult is returned by a successful Submit, per spec.md §4.6 step 4.
type SubmitResult struct {
	TransactionID  string
	LogIndex       uint64
	EntriesApplied int
}

// Backoff configures the exponential retry applied to durable append
// failures (§4.6 step 2). The defaults share the applier's 100ms start and
// 10s cap (§4.7); the delay doubles after each failed attempt.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Retries int
}

func defaultBackoff() Backoff {
	return Backoff{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Retries: 5}
}

type metrics struct {
	submitted   prometheus.Counter
	rejected    prometheus.Counter
	appendFails prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		submitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_producer_batches_submitted_total",
			Help: "Number of batches successfully appended and applied.",
		}),
		rejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_producer_batches_rejected_total",
			Help: "Number of batches rejected at validation.",
		}),
		appendFails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_producer_append_failures_total",
			Help: "Number of batches whose durable append failed (retry budget exhausted, non-retriable error, or cancellation).",
		}),
	}
}

// Producer is the C6 Producer Path.
type Producer struct {
	wal     *walcore.WAL
	cache   *cache.Store
	cat     *catalog.Catalog
	logger  log.Logger
	backoff Backoff
	metrics *metrics
}

// Option configures a Producer.
type Option func(*Producer)

func WithLogger(l log.Logger) Option         { return func(p *Producer) { p.logger = l } }
func WithBackoff(b Backoff) Option           { return func(p *Producer) { p.backoff = b } }
func WithRegisterer(r prometheus.Registerer) Option {
	return func(p *Producer) { p.metrics = newMetrics(r) }
}

// New constructs a Producer over wal/cache/cat.
func New(wal *walcore.WAL, store *cache.Store, cat *catalog.Catalog, opts ...Option) *Producer {
	p := &Producer{wal: wal, cache: store, cat: cat, backoff: defaultBackoff()}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = log.NewNopLogger()
	}
	if p.metrics == nil {
		p.metrics = newMetrics(nil)
	}
	return p
}

// Submit validates, durably appends, then applies b to the cache, per
// spec.md §4.6.
func (p *Producer) Submit(ctx context.Context, b codec.Batch) (SubmitResult, error) {
	if err := p.validate(&b); err != nil {
		p.metrics.rejected.Inc()
		return SubmitResult{}, err
	}

	body, err := codec.Encode(b)
	if err != nil {
		p.metrics.rejected.Inc()
		return SubmitResult{}, &InvalidEntryError{Reason: err.Error()}
	}

	index, err := p.appendWithRetry(ctx, body)
	if err != nil {
		p.metrics.appendFails.Inc()
		return SubmitResult{}, &DurableAppendFailedError{Err: err}
	}

	p.cache.ApplyBatch(b)
	p.metrics.submitted.Inc()

	return SubmitResult{
		TransactionID:  b.TransactionID,
		LogIndex:       index,
		EntriesApplied: len(b.Entries),
	}, nil
}

// SubmitEntry is sugar over Submit for a single entry, per §9 Open Question
// 3 — the core exposes only the batch API; single-entry callers wrap here.
func (p *Producer) SubmitEntry(ctx context.Context, e codec.Entry) (SubmitResult, error) {
	return p.Submit(ctx, codec.Batch{Entries: []codec.Entry{e}})
}

func (p *Producer) validate(b *codec.Batch) error {
	if len(b.Entries) == 0 {
		return EmptyBatchError{}
	}
	if b.TransactionID == "" {
		b.TransactionID = generateTransactionID()
	}
	if b.Timestamp == 0 {
		b.Timestamp = time.Now().UnixMilli()
	}
	for i, e := range b.Entries {
		if e.DBName == "" {
			return &InvalidEntryError{Index: i, Reason: "missing db_name"}
		}
		if e.TableName == "" {
			return &InvalidEntryError{Index: i, Reason: "missing table_name"}
		}
		pkColumn := "id"
		if p.cat != nil {
			if col, ok := p.cat.PrimaryKeyColumn(e.TableName); ok {
				pkColumn = col
			}
		}
		if _, ok := e.Data[pkColumn]; !ok {
			return &InvalidEntryError{Index: i, Reason: fmt.Sprintf("missing primary key field %q", pkColumn)}
		}
	}
	return nil
}

func (p *Producer) appendWithRetry(ctx context.Context, body []byte) (uint64, error) {
	delay := p.backoff.Initial
	var lastErr error
	for attempt := 0; attempt <= p.backoff.Retries; attempt++ {
		index, err := p.wal.Append(body)
		if err == nil {
			return index, nil
		}
		lastErr = err
		if !isRetriableAppendError(err) {
			return 0, err
		}
		level.Warn(p.logger).Log("msg", "wal append failed, retrying", "attempt", attempt, "err", err)
		if attempt == p.backoff.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.backoff.Max {
			delay = p.backoff.Max
		}
	}
	return 0, lastErr
}

func isRetriableAppendError(err error) bool {
	return !errors.Is(err, walcore.ErrClosed)
}

func generateTransactionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return "TXN_" + fmt.Sprintf("%d", time.Now().UnixMilli()) + "_" + id.String()
	}
	return "TXN_" + fmt.Sprintf("%d", time.Now().UnixMilli()) + "_" + randomToken()
}

func randomToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
