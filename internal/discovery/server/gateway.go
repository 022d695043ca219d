package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-discovery/internal/discovery"
	"github.com/coral-mesh/coral-discovery/internal/discovery/codes"
	"github.com/coral-mesh/coral-discovery/internal/discovery/directory"
	"github.com/coral-mesh/coral-discovery/internal/discovery/keys"
	"github.com/coral-mesh/coral-discovery/internal/discovery/registry"
)

const rpcPathPrefix = "/coral.discovery.v1.DiscoveryService/"

// Gateway is the Connect-style JSON HTTP front end. It owns no state of its
// own beyond what it needs to route: the partition directory, the signing
// key store, and the token manager do the actual work.
type Gateway struct {
	directory *directory.Directory
	keyStore  *keys.Store
	tokens    *discovery.TokenManager
	version   string
	startedAt time.Time
	logger    zerolog.Logger
}

// Config configures a Gateway.
type Config struct {
	Directory *directory.Directory
	KeyStore  *keys.Store
	Tokens    *discovery.TokenManager
	Version   string
	Logger    zerolog.Logger
}

// New constructs a Gateway ready to be mounted as an http.Handler.
func New(cfg Config) *Gateway {
	return &Gateway{
		directory: cfg.Directory,
		keyStore:  cfg.KeyStore,
		tokens:    cfg.Tokens,
		version:   cfg.Version,
		startedAt: time.Now(),
		logger:    cfg.Logger.With().Str("component", "rpc_gateway").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/.well-known/jwks.json":
		g.serveJWKS(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		g.serveHealth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/stats":
		g.serveStats(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, rpcPathPrefix):
		g.serveRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (g *Gateway) serveRPC(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, rpcPathPrefix)

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		g.writeError(w, codes.New(connect.CodeInvalidArgument, "only JSON encoding is supported"))
		return
	}

	observedIP := extractObservedIP(r)
	ctx := r.Context()

	if metrics, err := g.directory.Metrics(); err == nil {
		metrics.Track(method)
	}

	switch method {
	case "RegisterColony":
		g.handleRegisterColony(ctx, w, r, observedIP)
	case "LookupColony":
		g.handleLookupColony(ctx, w, r)
	case "RegisterAgent":
		g.handleRegisterAgent(ctx, w, r, observedIP)
	case "LookupAgent":
		g.handleLookupAgent(ctx, w, r)
	case "Health":
		g.handleHealth(ctx, w, r)
	case "CreateBootstrapToken":
		g.handleCreateBootstrapToken(w, r)
	case "RequestRelay", "ReleaseRelay":
		g.writeError(w, codes.New(connect.CodeUnimplemented, "%s is not implemented", method))
	default:
		http.NotFound(w, r)
	}
}

func (g *Gateway) handleRegisterColony(ctx context.Context, w http.ResponseWriter, r *http.Request, observedIP string) {
	var req registerColonyRequest
	if !g.decode(w, r, &req) {
		return
	}

	partition, err := g.directory.Registry(req.MeshID)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	result, cerr := partition.RegisterColony(ctx, req.toDomain(), observedIP)
	if cerr != nil {
		g.writeError(w, cerr)
		return
	}
	g.writeJSON(w, http.StatusOK, registerResponseFrom(result))
}

func (g *Gateway) handleLookupColony(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req lookupColonyRequest
	if !g.decode(w, r, &req) {
		return
	}

	partition, err := g.directory.Registry(req.MeshID)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	rec, cerr := partition.LookupColony(ctx, req.MeshID)
	if cerr != nil {
		g.writeError(w, cerr)
		return
	}
	g.writeJSON(w, http.StatusOK, lookupColonyResponseFrom(rec))
}

func (g *Gateway) handleRegisterAgent(ctx context.Context, w http.ResponseWriter, r *http.Request, observedIP string) {
	var req registerAgentRequest
	if !g.decode(w, r, &req) {
		return
	}

	partition, err := g.directory.Registry(req.MeshID)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	result, cerr := partition.RegisterAgent(ctx, req.toDomain(), observedIP)
	if cerr != nil {
		g.writeError(w, cerr)
		return
	}
	g.writeJSON(w, http.StatusOK, registerResponseFrom(result))
}

func (g *Gateway) handleLookupAgent(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req lookupAgentRequest
	if !g.decode(w, r, &req) {
		return
	}

	if req.MeshID == "" {
		g.writeError(w, codes.New(connect.CodeInvalidArgument, "meshId is required"))
		return
	}

	partition, err := g.directory.Registry(req.MeshID)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	rec, cerr := partition.LookupAgent(ctx, req.AgentID)
	if cerr != nil {
		g.writeError(w, cerr)
		return
	}
	g.writeJSON(w, http.StatusOK, lookupAgentResponseFrom(rec))
}

// handleHealth aggregates registered-colony counts across every currently
// spawned registry partition in this process. This is an in-process
// iteration, not a cross-partition network query.
func (g *Gateway) handleHealth(ctx context.Context, w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, healthResponse{
		Status:             "ok",
		Version:            g.version,
		UptimeSeconds:      int64(time.Since(g.startedAt).Seconds()),
		RegisteredColonies: g.countRegisteredColonies(ctx),
	})
}

func (g *Gateway) countRegisteredColonies(ctx context.Context) int {
	total := 0
	g.directory.Each(func(_ string, p *registry.Partition) {
		counts, err := p.Count(ctx)
		if err != nil {
			g.logger.Warn().Err(err).Msg("failed to count partition for health aggregate")
			return
		}
		total += counts.Colonies
	})
	return total
}

func (g *Gateway) handleCreateBootstrapToken(w http.ResponseWriter, r *http.Request) {
	var req createBootstrapTokenRequest
	if !g.decode(w, r, &req) {
		return
	}

	if g.tokens == nil {
		g.writeError(w, codes.New(connect.CodeInternal, "signing key is not configured"))
		return
	}

	jwt, expiresAt, err := g.tokens.CreateBootstrapToken(req.ReefID, req.ColonyID, req.AgentID, req.Intent)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	g.writeJSON(w, http.StatusOK, createBootstrapTokenResponse{
		JWT:       jwt,
		ExpiresAt: Int64String(expiresAt),
	})
}

func (g *Gateway) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	if g.keyStore == nil {
		g.writeError(w, codes.New(connect.CodeInternal, "signing key is not configured"))
		return
	}

	jwks := g.keyStore.JWKS()
	resp := jwksResponse{Keys: make([]jwkEntry, 0, len(jwks.Keys))}
	for _, k := range jwks.Keys {
		resp.Keys = append(resp.Keys, jwkEntry{KID: k.KID, KTY: k.KTY, CRV: k.CRV, X: k.X, USE: k.USE, ALG: k.ALG})
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": g.version})
}

func (g *Gateway) serveStats(w http.ResponseWriter, r *http.Request) {
	metrics, err := g.directory.Metrics()
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	ctx := r.Context()
	stats, err := metrics.Stats(ctx)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	expiredColonies, expiredAgents, err := metrics.CleanupTotals(ctx)
	if err != nil {
		g.writeError(w, codes.Wrap(connect.CodeInternal, err))
		return
	}

	g.writeJSON(w, http.StatusOK, statsResponse{
		Operations:      stats,
		ExpiredColonies: expiredColonies,
		ExpiredAgents:   expiredAgents,
	})
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		g.writeError(w, codes.New(connect.CodeInvalidArgument, "request body is required"))
		return false
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		g.writeError(w, codes.New(connect.CodeInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Warn().Err(err).Msg("failed to encode response body")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, cerr *codes.Error) {
	g.writeJSON(w, codes.HTTPStatus(cerr.Code), errorResponse{Code: cerr.Code.String(), Message: cerr.Message})
}

// extractObservedIP returns the client address the transport observed,
// preferring CF-Connecting-IP, then the first hop of X-Forwarded-For, then
// X-Real-IP, then the request's own remote address.
func extractObservedIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return host
}
