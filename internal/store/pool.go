// Package store implements spec.md's C3 Offset Store and C4 Checkpoint
// Store, the chronicle_data_loss audit table and delta_log sink described in
// §6, and the per-database connection pool management §5 calls for ("DB
// connections: one per applier-target database, lifetime-managed by a
// pool"). It is grounded on the pgxpool usage in the retrieval pack's
// ashita-ai-akashi storage package.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools owns one *pgxpool.Pool per logical database name, plus the
// administrative database pool used by the C4 checkpoint table and the
// data-loss audit table. The C3 offset table lives in the first target
// database (the admin pool only when no target database is configured), and
// delta_log rows are written inside the target database's transaction.
type Pools struct {
	mu    sync.RWMutex
	admin *pgxpool.Pool
	dbs   map[string]*pgxpool.Pool
}

// Open connects to the administrative DSN and every named database DSN.
// Connections are established eagerly so a misconfigured DSN fails at boot
// rather than on first use.
func Open(ctx context.Context, adminDSN string, databases map[string]string) (*Pools, error) {
	admin, err := pgxpool.New(ctx, adminDSN)
	if err != nil {
		return nil, fmt.Errorf("store: connecting admin pool: %w", err)
	}
	if err := admin.Ping(ctx); err != nil {
		admin.Close()
		return nil, fmt.Errorf("store: pinging admin pool: %w", err)
	}

	p := &Pools{admin: admin, dbs: make(map[string]*pgxpool.Pool, len(databases))}
	for name, dsn := range databases {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("store: connecting pool %q: %w", name, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			p.Close()
			return nil, fmt.Errorf("store: pinging pool %q: %w", name, err)
		}
		p.dbs[name] = pool
	}
	return p, nil
}

// Admin returns the administrative pool backing the checkpoint and data-loss
// tables (and the offset table when no target database is configured).
func (p *Pools) Admin() *pgxpool.Pool {
	return p.admin
}

// DB returns the pool for a named target database, scoped acquisition
// guaranteed by pgxpool itself (every checked-out connection is released on
// Tx.Commit/Rollback or Conn.Release).
func (p *Pools) DB(name string) (*pgxpool.Pool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.dbs[name]
	return pool, ok
}

// Names lists every configured target database in sorted order, used by
// the boot sequencer's full load (§4.9) and to deterministically pick the
// offset-bearing database (a fixed choice must not depend on map iteration
// order).
func (p *Pools) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.dbs))
	for name := range p.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every pool, admin last.
func (p *Pools) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pool := range p.dbs {
		pool.Close()
	}
	if p.admin != nil {
		p.admin.Close()
	}
}
