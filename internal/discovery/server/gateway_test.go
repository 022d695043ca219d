package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-discovery/internal/discovery"
	"github.com/coral-mesh/coral-discovery/internal/discovery/directory"
	"github.com/coral-mesh/coral-discovery/internal/discovery/keys"
)

type rawTestKey struct {
	ID         string `json:"id"`
	PrivateKey string `json:"privateKey"`
}

func newTestGateway(t *testing.T, ttl, cleanupInterval time.Duration) *Gateway {
	t.Helper()

	dir := directory.New(directory.Config{
		DataDir:         t.TempDir(),
		RecordTTL:       ttl,
		CleanupInterval: cleanupInterval,
		Logger:          zerolog.Nop(),
	})
	t.Cleanup(func() { _ = dir.Close() })

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := rawTestKey{ID: "k1", PrivateKey: base64.StdEncoding.EncodeToString(priv)}
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	keyStore, err := keys.Load(string(b), "")
	require.NoError(t, err)

	tokens := discovery.NewTokenManager(discovery.TokenConfig{KeyStore: keyStore})

	return New(Config{
		Directory: dir,
		KeyStore:  keyStore,
		Tokens:    tokens,
		Version:   "test-version",
		Logger:    zerolog.Nop(),
	})
}

func doJSON(t *testing.T, g *Gateway, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestHappyPathRegisterThenLookupColony(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony",
		map[string]interface{}{
			"meshId": "m1", "pubkey": "dGVzdA==", "endpoints": []string{"1.2.3.4:51820"},
			"meshIpv4": "10.42.0.1", "connectPort": 9000,
		},
		map[string]string{"CF-Connecting-IP": "1.2.3.4"},
	)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 300, resp.TTL)
	require.NotNil(t, resp.ObservedEndpoint)
	assert.Equal(t, "1.2.3.4", resp.ObservedEndpoint.IP)
	assert.Equal(t, "udp", resp.ObservedEndpoint.Protocol)
	assert.Equal(t, 0, resp.ObservedEndpoint.Port)

	rec = doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/LookupColony",
		map[string]interface{}{"meshId": "m1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var lookup lookupColonyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lookup))
	assert.Equal(t, "m1", lookup.MeshID)
	assert.Equal(t, "dGVzdA==", lookup.PubKey)
	assert.Equal(t, []string{"1.2.3.4:51820"}, lookup.Endpoints)
	assert.Equal(t, "10.42.0.1", lookup.MeshIPv4)
	assert.Equal(t, 9000, lookup.ConnectPort)
}

func TestMissingMeshIDIsInvalidArgument(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony",
		map[string]interface{}{"pubkey": "dGVzdA==", "endpoints": []string{"1.2.3.4:51820"}}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_argument", errResp.Code)
}

func TestSplitBrainIsAlreadyExists(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony",
		map[string]interface{}{"meshId": "m2", "pubkey": "A==", "endpoints": []string{"1.2.3.4:1"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony",
		map[string]interface{}{"meshId": "m2", "pubkey": "B==", "endpoints": []string{"1.2.3.4:1"}}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "already_exists", errResp.Code)
}

func TestLookupNotFound(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/LookupColony",
		map[string]interface{}{"meshId": "does-not-exist"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "not_found", errResp.Code)
}

func TestRelayRPCsAreUnimplemented(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RequestRelay", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "unimplemented", errResp.Code)
}

func TestProtobufContentTypeRejected(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/proto")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_argument", errResp.Code)
}

func TestLookupAgentWithoutMeshIDIsInvalidArgument(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/LookupAgent",
		map[string]interface{}{"agentId": "a1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_argument", errResp.Code)
}

func TestTTLExpiryVisibleInStats(t *testing.T) {
	g := newTestGateway(t, 50*time.Millisecond, 25*time.Millisecond)

	rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/RegisterColony",
		map[string]interface{}{"meshId": "m6", "pubkey": "A==", "endpoints": []string{"1.2.3.4:1"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doJSON(t, g, http.MethodPost, "/coral.discovery.v1.DiscoveryService/LookupColony",
			map[string]interface{}{"meshId": "m6"}, nil)
		return rec.Code == http.StatusNotFound
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var stats statsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			return false
		}
		return stats.ExpiredColonies >= 1
	}, 2*time.Second, 20*time.Millisecond, "expected /stats to report the expired colony once its cleanup alarm fires")
}

func TestJWKSEndpoint(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	var resp jwksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	assert.Equal(t, "k1", resp.Keys[0].KID)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, 5*time.Minute, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
