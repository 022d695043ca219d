package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartition(t *testing.T) *Partition {
	t.Helper()
	p, err := New(Config{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestReportIsIdempotentPerOrigin(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	require.NoError(t, p.Report(ctx, "mesh-a", 3, 5))
	require.NoError(t, p.Report(ctx, "mesh-a", 1, 2))

	row, err := p.SnapshotFor(ctx, "mesh-a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.ExpiredColonies)
	assert.Equal(t, int64(2), row.ExpiredAgents)
}

func TestTrackAndStats(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	p.Track("register_colony")
	p.Track("register_colony")
	p.Track("lookup_agent")

	require.NoError(t, p.Flush(ctx))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["register_colony"])
	assert.Equal(t, int64(1), stats["lookup_agent"])
}

func TestTrackAccumulatesAcrossFlushes(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	p.Track("health")
	require.NoError(t, p.Flush(ctx))
	p.Track("health")
	require.NoError(t, p.Flush(ctx))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["health"])
}

func TestFlushKeysOnFullCompositePK(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	currentBucket := hourBucket(time.Now())

	p.Track("register_colony")
	require.NoError(t, p.Flush(ctx))

	// A second row for the same operation but a different hour bucket now
	// exists. A Flush keyed only on "op" could read this row instead of the
	// current bucket's and clobber the accumulated count below.
	other := &counterRow{Op: "register_colony", HourBucket: hourBucket(time.Now().Add(-3 * time.Hour)), Count: 99}
	require.NoError(t, p.counters.Upsert(ctx, other))

	p.Track("register_colony")
	require.NoError(t, p.Flush(ctx))

	row, err := p.counters.GetByKeys(ctx, map[string]interface{}{"op": "register_colony", "hour_bucket": currentBucket})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.Count)

	otherRow, err := p.counters.GetByKeys(ctx, map[string]interface{}{"op": "register_colony", "hour_bucket": other.HourBucket})
	require.NoError(t, err)
	require.NotNil(t, otherRow)
	assert.Equal(t, int64(99), otherRow.Count)
}

func TestStatsExcludesOldBuckets(t *testing.T) {
	p := newTestPartition(t)
	ctx := context.Background()

	old := &counterRow{Op: "stale_op", HourBucket: hourBucket(time.Now().Add(-3 * time.Hour)), Count: 9}
	require.NoError(t, p.counters.Upsert(ctx, old))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	_, ok := stats["stale_op"]
	assert.False(t, ok)
}
