// Package registry implements RegistryPartition: the single-owner,
// per-mesh_id state container for colony and agent records.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-discovery/internal/discovery/codes"
	"github.com/coral-mesh/coral-discovery/internal/discovery/netutil"
	"github.com/coral-mesh/coral-discovery/internal/duckdb"
)

// ReportFunc is called after a cleanup pass to relay expiry counts to the
// metrics partition. Partitions never hold a direct reference to the
// metrics partition — the directory supplies this hook instead, avoiding a
// cyclic collaborator between partition types.
type ReportFunc func(ctx context.Context, originID string, expiredColonies, expiredAgents int)

// Partition is the single owner of all colony/agent state for one mesh_id.
// All exported operations serialize through mu.
type Partition struct {
	mu sync.Mutex

	meshID          string
	db              *sql.DB
	colonies        *duckdb.Table[colonyRow]
	agents          *duckdb.Table[agentRow]
	cache           *cache.Cache
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          zerolog.Logger
	report          ReportFunc

	timer   *time.Timer
	stopped bool
}

// Config configures a new Partition.
type Config struct {
	MeshID          string
	DataDir         string
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          zerolog.Logger
	Report          ReportFunc
}

// New opens (or creates) the DuckDB file backing meshID's partition,
// schedules its cleanup alarm, and returns the ready-to-use partition.
func New(cfg Config) (*Partition, error) {
	dsn := filepath.Join(cfg.DataDir, "registry", cfg.MeshID+".duckdb")
	db, err := duckdb.OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry partition %s: %w", cfg.MeshID, err)
	}

	if _, err := db.ExecContext(context.Background(), createTablesSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry tables %s: %w", cfg.MeshID, err)
	}

	p := &Partition{
		meshID:          cfg.MeshID,
		db:              db,
		colonies:        duckdb.NewTable[colonyRow](db, "colonies"),
		agents:          duckdb.NewTable[agentRow](db, "agents"),
		cache:           cache.New(5*time.Minute, 10*time.Minute),
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		logger:          cfg.Logger.With().Str("mesh_id", cfg.MeshID).Logger(),
		report:          cfg.Report,
	}

	p.scheduleInitialAlarm()

	return p, nil
}

// scheduleInitialAlarm runs an overdue cleanup immediately (crash-safety:
// a partition that was offline through its deadline catches up on
// construction) and arms the first periodic alarm.
func (p *Partition) scheduleInitialAlarm() {
	p.runCleanup(context.Background())
	p.mu.Lock()
	p.timer = time.AfterFunc(p.cleanupInterval, p.alarmFired)
	p.mu.Unlock()
}

func (p *Partition) alarmFired() {
	p.runCleanup(context.Background())
	p.mu.Lock()
	if !p.stopped {
		p.timer = time.AfterFunc(p.cleanupInterval, p.alarmFired)
	}
	p.mu.Unlock()
}

// Close stops the partition's alarm and releases its storage handle.
func (p *Partition) Close() error {
	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	return p.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// RegisterColony upserts a colony record, performing the split-brain check
// and observed-endpoint synthesis described in the registry's design.
func (p *Partition) RegisterColony(ctx context.Context, req RegisterColonyRequest, observedIP string) (*RegisterResult, *codes.Error) {
	if req.MeshID == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "mesh_id is required")
	}
	if req.PubKey == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "pubkey is required")
	}
	if len(req.Endpoints) == 0 && req.ObservedEndpoint == nil {
		return nil, codes.New(connect.CodeInvalidArgument, "at least one endpoint or an observed endpoint is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := nowMillis()

	existingRow, err := p.colonies.Get(ctx, req.MeshID)
	if err != nil && err != sql.ErrNoRows {
		return nil, codes.Wrap(connect.CodeInternal, err)
	}

	var existing *ColonyRecord
	if existingRow != nil {
		existing = rowToColony(existingRow)
		if existing.ExpiresAt > now && existing.PubKey != req.PubKey {
			return nil, codes.New(connect.CodeAlreadyExists,
				"mesh_id %q already registered with a different public key", req.MeshID)
		}
	}

	observed := synthesizeObservedEndpoint(req.ObservedEndpoint, observedIP)

	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	rec := &ColonyRecord{
		MeshID:           req.MeshID,
		PubKey:           req.PubKey,
		Endpoints:        req.Endpoints,
		MeshIPv4:         req.MeshIPv4,
		MeshIPv6:         req.MeshIPv6,
		ConnectPort:      req.ConnectPort,
		PublicPort:       req.PublicPort,
		Metadata:         req.Metadata,
		ObservedEndpoint: observed,
		PublicEndpoint:   req.PublicEndpoint,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
		ExpiresAt:        now + p.ttl.Milliseconds(),
	}

	if err := p.colonies.Upsert(ctx, colonyToRow(rec)); err != nil {
		return nil, codes.Wrap(connect.CodeInternal, err)
	}
	p.cache.Delete(colonyCacheKey(req.MeshID))

	p.logger.Info().
		Str("mesh_id", req.MeshID).
		Int("ttl_seconds", int(p.ttl.Seconds())).
		Msg("colony registered")

	return &RegisterResult{
		Success:          true,
		TTLSeconds:       int(p.ttl.Seconds()),
		ExpiresAt:        rec.ExpiresAt,
		ObservedEndpoint: observed,
	}, nil
}

// LookupColony returns the colony record for meshID if it has not expired.
func (p *Partition) LookupColony(ctx context.Context, meshID string) (*ColonyRecord, *codes.Error) {
	if meshID == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "mesh_id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := colonyCacheKey(meshID)
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*ColonyRecord), nil
	}

	row, err := p.colonies.Get(ctx, meshID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, codes.New(connect.CodeNotFound, "colony %q not found", meshID)
		}
		return nil, codes.Wrap(connect.CodeInternal, err)
	}

	rec := rowToColony(row)
	now := nowMillis()
	if rec.ExpiresAt < now {
		return nil, codes.New(connect.CodeNotFound, "colony %q not found", meshID)
	}

	p.cache.Set(key, rec, time.Duration(rec.ExpiresAt-now)*time.Millisecond)
	return rec, nil
}

// RegisterAgent upserts an agent record. Agents have no split-brain check:
// the latest registration for an agent_id always wins.
func (p *Partition) RegisterAgent(ctx context.Context, req RegisterAgentRequest, observedIP string) (*RegisterResult, *codes.Error) {
	if req.AgentID == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "agent_id is required")
	}
	if req.MeshID == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "mesh_id is required")
	}
	if req.PubKey == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "pubkey is required")
	}
	if len(req.Endpoints) == 0 && req.ObservedEndpoint == nil {
		return nil, codes.New(connect.CodeInvalidArgument, "at least one endpoint or an observed endpoint is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := nowMillis()

	existingRow, err := p.agents.Get(ctx, req.AgentID)
	if err != nil && err != sql.ErrNoRows {
		return nil, codes.Wrap(connect.CodeInternal, err)
	}

	createdAt := now
	if existingRow != nil {
		createdAt = existingRow.CreatedAt
	}

	observed := synthesizeObservedEndpoint(req.ObservedEndpoint, observedIP)

	rec := &AgentRecord{
		AgentID:          req.AgentID,
		MeshID:           req.MeshID,
		PubKey:           req.PubKey,
		Endpoints:        req.Endpoints,
		ObservedEndpoint: observed,
		Metadata:         req.Metadata,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
		ExpiresAt:        now + p.ttl.Milliseconds(),
	}

	if err := p.agents.Upsert(ctx, agentToRow(rec)); err != nil {
		return nil, codes.Wrap(connect.CodeInternal, err)
	}
	p.cache.Delete(agentCacheKey(req.AgentID))

	p.logger.Info().
		Str("agent_id", req.AgentID).
		Str("mesh_id", req.MeshID).
		Int("ttl_seconds", int(p.ttl.Seconds())).
		Msg("agent registered")

	return &RegisterResult{
		Success:          true,
		TTLSeconds:       int(p.ttl.Seconds()),
		ExpiresAt:        rec.ExpiresAt,
		ObservedEndpoint: observed,
	}, nil
}

// LookupAgent returns the agent record for agentID if it has not expired.
func (p *Partition) LookupAgent(ctx context.Context, agentID string) (*AgentRecord, *codes.Error) {
	if agentID == "" {
		return nil, codes.New(connect.CodeInvalidArgument, "agent_id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := agentCacheKey(agentID)
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*AgentRecord), nil
	}

	row, err := p.agents.Get(ctx, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, codes.New(connect.CodeNotFound, "agent %q not found", agentID)
		}
		return nil, codes.Wrap(connect.CodeInternal, err)
	}

	rec := rowToAgent(row)
	now := nowMillis()
	if rec.ExpiresAt < now {
		return nil, codes.New(connect.CodeNotFound, "agent %q not found", agentID)
	}

	p.cache.Set(key, rec, time.Duration(rec.ExpiresAt-now)*time.Millisecond)
	return rec, nil
}

// Count returns the non-expired colony and agent counts held by this
// partition.
func (p *Partition) Count(ctx context.Context) (Counts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(ctx)
}

func (p *Partition) countLocked(ctx context.Context) (Counts, error) {
	now := nowMillis()

	var colonyCount, agentCount int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM colonies WHERE expires_at >= ?", now).Scan(&colonyCount); err != nil {
		return Counts{}, wrapTableErr("count colonies", err)
	}
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents WHERE expires_at >= ?", now).Scan(&agentCount); err != nil {
		return Counts{}, wrapTableErr("count agents", err)
	}
	return Counts{Colonies: colonyCount, Agents: agentCount}, nil
}

// runCleanup deletes expired colonies and agents, invalidates the cache on
// any deletion, and reports the counts to the metrics partition on a
// best-effort basis.
func (p *Partition) runCleanup(ctx context.Context) {
	p.mu.Lock()
	now := nowMillis()

	expiredColonies, err := p.deleteExpired(ctx, "colonies", now)
	if err != nil {
		p.logger.Warn().Err(err).Msg("cleanup: failed to delete expired colonies")
	}
	expiredAgents, err := p.deleteExpired(ctx, "agents", now)
	if err != nil {
		p.logger.Warn().Err(err).Msg("cleanup: failed to delete expired agents")
	}

	if expiredColonies > 0 || expiredAgents > 0 {
		p.cache.Flush()
		p.logger.Info().
			Int("expired_colonies", expiredColonies).
			Int("expired_agents", expiredAgents).
			Msg("cleanup pass removed expired records")
	}

	report := p.report
	meshID := p.meshID
	p.mu.Unlock()

	if report != nil && (expiredColonies > 0 || expiredAgents > 0) {
		report(ctx, meshID, expiredColonies, expiredAgents)
	}
}

func (p *Partition) deleteExpired(ctx context.Context, table string, now int64) (int, error) {
	// #nosec G201 - table is one of two fixed, internal literals, never user input
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", table)
	result, err := p.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func colonyCacheKey(meshID string) string { return "colony:" + meshID }
func agentCacheKey(agentID string) string { return "agent:" + agentID }

// synthesizeObservedEndpoint overrides a declared observed endpoint's IP
// with the transport-observed address when the declared IP is missing or
// falls in a private/loopback/ULA range, per the observed-endpoint policy.
// The port is never overwritten, since the transport cannot distinguish
// the application port from the HTTP request's source port.
func synthesizeObservedEndpoint(declared *Endpoint, observedIP string) *Endpoint {
	if observedIP == "" {
		return declared
	}
	if declared != nil && !netutil.IsPrivateString(declared.IP) {
		return declared
	}

	port := 0
	if declared != nil {
		port = declared.Port
	}
	return &Endpoint{IP: observedIP, Port: port, Protocol: "udp"}
}
