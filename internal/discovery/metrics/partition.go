// Package metrics implements MetricsPartition: the singleton "global"
// aggregator that receives cleanup counts from every registry partition and
// accumulates hourly operation counters reported by the gateway.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-discovery/internal/duckdb"
)

const flushDelay = 10 * time.Second

type counterRow struct {
	Op         string `duckdb:"op,pk"`
	HourBucket string `duckdb:"hour_bucket,pk"`
	Count      int64  `duckdb:"count"`
}

type snapshotRow struct {
	OriginID        string `duckdb:"origin_id,pk"`
	ExpiredColonies int64  `duckdb:"expired_colonies"`
	ExpiredAgents   int64  `duckdb:"expired_agents"`
	UpdatedAt       int64  `duckdb:"updated_at"`
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS operation_counters (
	op TEXT,
	hour_bucket TEXT,
	count BIGINT,
	PRIMARY KEY (op, hour_bucket)
);

CREATE TABLE IF NOT EXISTS cleanup_snapshots (
	origin_id TEXT PRIMARY KEY,
	expired_colonies BIGINT,
	expired_agents BIGINT,
	updated_at BIGINT
);
`

// Partition is the singleton metrics aggregator, keyed by the literal id
// "global".
type Partition struct {
	mu sync.Mutex

	db        *sql.DB
	counters  *duckdb.Table[counterRow]
	snapshots *duckdb.Table[snapshotRow]
	logger    zerolog.Logger

	pending     map[[2]string]int64 // (op, hourBucket) -> delta since last flush
	flushTimer  *time.Timer
	cleanupTick *time.Timer
	stopped     bool
}

// Config configures a new Partition.
type Config struct {
	DataDir string
	Logger  zerolog.Logger
}

// New opens the singleton metrics store and arms its hourly cleanup alarm.
func New(cfg Config) (*Partition, error) {
	dsn := filepath.Join(cfg.DataDir, "metrics", "global.duckdb")
	db, err := duckdb.OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open metrics partition: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), createTablesSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create metrics tables: %w", err)
	}

	p := &Partition{
		db:        db,
		counters:  duckdb.NewTable[counterRow](db, "operation_counters"),
		snapshots: duckdb.NewTable[snapshotRow](db, "cleanup_snapshots"),
		logger:    cfg.Logger.With().Str("component", "metrics_partition").Logger(),
		pending:   make(map[[2]string]int64),
	}

	p.cleanupTick = time.AfterFunc(time.Hour, p.cleanupFired)

	return p, nil
}

// Close cancels the partition's timers and closes its storage handle.
func (p *Partition) Close() error {
	p.mu.Lock()
	p.stopped = true
	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	if p.cleanupTick != nil {
		p.cleanupTick.Stop()
	}
	p.mu.Unlock()
	return p.db.Close()
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// Report stores the cleanup counts for originID, idempotently overwriting
// any prior snapshot for the same origin.
func (p *Partition) Report(ctx context.Context, originID string, expiredColonies, expiredAgents int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := &snapshotRow{
		OriginID:        originID,
		ExpiredColonies: int64(expiredColonies),
		ExpiredAgents:   int64(expiredAgents),
		UpdatedAt:       time.Now().UnixMilli(),
	}
	if err := p.snapshots.Upsert(ctx, row); err != nil {
		return fmt.Errorf("report cleanup snapshot for %s: %w", originID, err)
	}
	return nil
}

// Track increments the in-memory counter for operation during the current
// UTC hour bucket and arms a flush no more than flushDelay in the future.
func (p *Partition) Track(operation string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := [2]string{operation, hourBucket(time.Now())}
	p.pending[key]++

	if p.flushTimer == nil && !p.stopped {
		p.flushTimer = time.AfterFunc(flushDelay, p.flushFired)
	}
}

func (p *Partition) flushFired() {
	ctx := context.Background()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("failed to flush operation counters")
	}
}

// Flush merges accumulated in-memory counters into persistent storage.
func (p *Partition) Flush(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[[2]string]int64)
	p.flushTimer = nil
	p.mu.Unlock()

	for key, delta := range pending {
		op, bucket := key[0], key[1]
		existing, err := p.counters.GetByKeys(ctx, map[string]interface{}{"op": op, "hour_bucket": bucket})
		var current int64
		if err == nil && existing != nil {
			current = existing.Count
		} else if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read counter %s/%s: %w", op, bucket, err)
		}

		row := &counterRow{Op: op, HourBucket: bucket, Count: current + delta}
		if err := p.counters.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert counter %s/%s: %w", op, bucket, err)
		}
	}
	return nil
}

// Stats returns, per operation, the summed count over buckets whose hour is
// at or after now-1h (including any not-yet-flushed increments).
func (p *Partition) Stats(ctx context.Context) (map[string]int64, error) {
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}

	cutoff := hourBucket(time.Now().Add(-time.Hour))

	rows, err := p.db.QueryContext(ctx,
		"SELECT op, SUM(count) FROM operation_counters WHERE hour_bucket >= ? GROUP BY op", cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int64)
	for rows.Next() {
		var op string
		var count int64
		if err := rows.Scan(&op, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[op] = count
	}
	return stats, nil
}

// Snapshot is the last reported cleanup tally for one origin partition.
type Snapshot struct {
	OriginID        string
	ExpiredColonies int64
	ExpiredAgents   int64
	UpdatedAt       int64
}

// SnapshotFor returns the last reported cleanup snapshot for originID, or
// nil if none has been reported yet.
func (p *Partition) SnapshotFor(ctx context.Context, originID string) (*Snapshot, error) {
	row, err := p.snapshots.Get(ctx, originID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot for %s: %w", originID, err)
	}
	if row == nil {
		return nil, nil
	}
	return &Snapshot{
		OriginID:        row.OriginID,
		ExpiredColonies: row.ExpiredColonies,
		ExpiredAgents:   row.ExpiredAgents,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// CleanupTotals sums the expired-record counts across every origin's
// outstanding cleanup snapshot (rows not yet pruned by cleanupFired's
// retention window).
func (p *Partition) CleanupTotals(ctx context.Context) (expiredColonies, expiredAgents int64, err error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(expired_colonies), 0), COALESCE(SUM(expired_agents), 0) FROM cleanup_snapshots")
	if err := row.Scan(&expiredColonies, &expiredAgents); err != nil {
		return 0, 0, fmt.Errorf("query cleanup totals: %w", err)
	}
	return expiredColonies, expiredAgents, nil
}

func (p *Partition) cleanupFired() {
	ctx := context.Background()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("hourly cleanup: flush failed")
	}

	cutoffBucket := hourBucket(time.Now().Add(-24 * time.Hour))
	if _, err := p.db.ExecContext(ctx, "DELETE FROM operation_counters WHERE hour_bucket < ?", cutoffBucket); err != nil {
		p.logger.Warn().Err(err).Msg("hourly cleanup: failed to delete old operation counters")
	}

	snapshotCutoff := time.Now().Add(-10 * time.Minute).UnixMilli()
	if _, err := p.db.ExecContext(ctx, "DELETE FROM cleanup_snapshots WHERE updated_at < ?", snapshotCutoff); err != nil {
		p.logger.Warn().Err(err).Msg("hourly cleanup: failed to delete old cleanup snapshots")
	}

	p.mu.Lock()
	if !p.stopped {
		p.cleanupTick = time.AfterFunc(time.Hour, p.cleanupFired)
	}
	p.mu.Unlock()
}
