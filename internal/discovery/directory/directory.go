// Package directory implements PartitionDirectory: the spawn-on-demand
// registry of registry.Partition and metrics.Partition instances, keyed by
// a stable hash of their name so that each id has at most one live owner.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/coral-discovery/internal/discovery/metrics"
	"github.com/coral-mesh/coral-discovery/internal/discovery/registry"
)

// idFromName hashes name into a stable, fixed-width hex partition id.
func idFromName(name string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(name))
}

// Config configures a Directory.
type Config struct {
	DataDir         string
	RecordTTL       time.Duration
	CleanupInterval time.Duration
	Logger          zerolog.Logger
}

// Directory lazily spawns and owns one registry.Partition per mesh and a
// single metrics.Partition.
type Directory struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger
	byID   map[string]*registry.Partition // partition id -> partition
	meshOf map[string]string              // partition id -> mesh id, for Health aggregation
	global *metrics.Partition
}

// New constructs an empty Directory. Partitions are spawned lazily on first
// access, never at construction.
func New(cfg Config) *Directory {
	return &Directory{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "partition_directory").Logger(),
		byID:   make(map[string]*registry.Partition),
		meshOf: make(map[string]string),
	}
}

// Registry returns the registry.Partition owning meshID, spawning it on
// first access.
func (d *Directory) Registry(meshID string) (*registry.Partition, error) {
	id := idFromName(meshID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.byID[id]; ok {
		return p, nil
	}

	global, err := d.metricsLocked()
	if err != nil {
		return nil, err
	}

	p, err := registry.New(registry.Config{
		MeshID:          meshID,
		DataDir:         d.cfg.DataDir,
		TTL:             d.cfg.RecordTTL,
		CleanupInterval: d.cfg.CleanupInterval,
		Logger:          d.logger,
		Report: func(ctx context.Context, originID string, expiredColonies, expiredAgents int) {
			if err := global.Report(ctx, originID, expiredColonies, expiredAgents); err != nil {
				d.logger.Warn().Err(err).Str("mesh_id", originID).Msg("failed to report cleanup counts to metrics partition")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn registry partition for mesh %q: %w", meshID, err)
	}

	d.byID[id] = p
	d.meshOf[id] = meshID
	return p, nil
}

// Metrics returns the singleton metrics.Partition, spawning it on first
// access.
func (d *Directory) Metrics() (*metrics.Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsLocked()
}

func (d *Directory) metricsLocked() (*metrics.Partition, error) {
	if d.global != nil {
		return d.global, nil
	}

	p, err := metrics.New(metrics.Config{DataDir: d.cfg.DataDir, Logger: d.logger})
	if err != nil {
		return nil, fmt.Errorf("spawn metrics partition: %w", err)
	}
	d.global = p
	return p, nil
}

// Each iterates every currently-spawned registry.Partition, invoking fn for
// each with its mesh id. Used by Health to aggregate counts in-process,
// without crossing to another partition over the network.
func (d *Directory) Each(fn func(meshID string, p *registry.Partition)) {
	d.mu.Lock()
	snapshot := make(map[string]*registry.Partition, len(d.byID))
	meshOf := make(map[string]string, len(d.meshOf))
	for id, p := range d.byID {
		snapshot[id] = p
	}
	for id, name := range d.meshOf {
		meshOf[id] = name
	}
	d.mu.Unlock()

	for id, p := range snapshot {
		fn(meshOf[id], p)
	}
}

// Close shuts down every spawned partition, collecting the first error
// encountered while still attempting to close the rest.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, p := range d.byID {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.global != nil {
		if err := d.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
