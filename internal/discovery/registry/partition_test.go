package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartition(t *testing.T, ttl, cleanupInterval time.Duration) *Partition {
	t.Helper()
	dir := t.TempDir()

	p, err := New(Config{
		MeshID:          fmt.Sprintf("mesh-%d", time.Now().UnixNano()),
		DataDir:         dir,
		TTL:             ttl,
		CleanupInterval: cleanupInterval,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestRegisterAndLookupColony(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	result, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID:      "m1",
		PubKey:      "dGVzdA==",
		Endpoints:   []string{"1.2.3.4:51820"},
		MeshIPv4:    "10.42.0.1",
		ConnectPort: 9000,
	}, "")
	require.Nil(t, cerr)
	assert.True(t, result.Success)
	assert.Equal(t, 300, result.TTLSeconds)

	rec, cerr := p.LookupColony(ctx, "m1")
	require.Nil(t, cerr)
	assert.Equal(t, "m1", rec.MeshID)
	assert.Equal(t, "dGVzdA==", rec.PubKey)
	assert.Equal(t, []string{"1.2.3.4:51820"}, rec.Endpoints)
	assert.Equal(t, "10.42.0.1", rec.MeshIPv4)
	assert.Equal(t, 9000, rec.ConnectPort)
}

func TestRegisterColonyMissingMeshID(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	_, cerr := p.RegisterColony(context.Background(), RegisterColonyRequest{
		PubKey:    "dGVzdA==",
		Endpoints: []string{"1.2.3.4:51820"},
	}, "")
	require.NotNil(t, cerr)
	assert.Equal(t, connect.CodeInvalidArgument, cerr.Code)
}

func TestRegisterColonySplitBrain(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	_, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m2", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)

	_, cerr = p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m2", PubKey: "B==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.NotNil(t, cerr)
	assert.Equal(t, connect.CodeAlreadyExists, cerr.Code)
}

func TestRegisterColonySamePubKeyIsRenewal(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	_, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m3", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)

	first, cerr := p.LookupColony(ctx, "m3")
	require.Nil(t, cerr)
	createdAt := first.CreatedAt

	time.Sleep(2 * time.Millisecond)

	_, cerr = p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m3", PubKey: "A==", Endpoints: []string{"1.2.3.4:2"},
	}, "")
	require.Nil(t, cerr)

	second, cerr := p.LookupColony(ctx, "m3")
	require.Nil(t, cerr)
	assert.Equal(t, createdAt, second.CreatedAt)
	assert.GreaterOrEqual(t, second.UpdatedAt, first.UpdatedAt)
}

func TestLookupColonyNotFound(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	_, cerr := p.LookupColony(context.Background(), "does-not-exist")
	require.NotNil(t, cerr)
	assert.Equal(t, connect.CodeNotFound, cerr.Code)
}

func TestObservedEndpointSynthesis(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	result, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m4", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "203.0.113.5")
	require.Nil(t, cerr)
	require.NotNil(t, result.ObservedEndpoint)
	assert.Equal(t, "203.0.113.5", result.ObservedEndpoint.IP)
	assert.Equal(t, "udp", result.ObservedEndpoint.Protocol)
	assert.Equal(t, 0, result.ObservedEndpoint.Port)
}

func TestObservedEndpointNotOverriddenWhenPublic(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	result, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID:           "m5",
		PubKey:           "A==",
		Endpoints:        []string{"1.2.3.4:1"},
		ObservedEndpoint: &Endpoint{IP: "198.51.100.7", Port: 4000, Protocol: "udp"},
	}, "203.0.113.5")
	require.Nil(t, cerr)
	require.NotNil(t, result.ObservedEndpoint)
	assert.Equal(t, "198.51.100.7", result.ObservedEndpoint.IP)
	assert.Equal(t, 4000, result.ObservedEndpoint.Port)
}

func TestAgentRegisterAndLookupNoSplitBrain(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	_, cerr := p.RegisterAgent(ctx, RegisterAgentRequest{
		AgentID: "a1", MeshID: "m1", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)

	_, cerr = p.RegisterAgent(ctx, RegisterAgentRequest{
		AgentID: "a1", MeshID: "m1", PubKey: "B==", Endpoints: []string{"1.2.3.4:2"},
	}, "")
	require.Nil(t, cerr, "agents upsert unconditionally, no split-brain check")

	rec, cerr := p.LookupAgent(ctx, "a1")
	require.Nil(t, cerr)
	assert.Equal(t, "B==", rec.PubKey)
}

func TestTTLExpiryAndCleanup(t *testing.T) {
	p := newTestPartition(t, 50*time.Millisecond, 25*time.Millisecond)
	ctx := context.Background()

	var reported Counts
	reportedCh := make(chan struct{}, 1)
	p.report = func(_ context.Context, _ string, expiredColonies, expiredAgents int) {
		reported = Counts{Colonies: expiredColonies, Agents: expiredAgents}
		select {
		case reportedCh <- struct{}{}:
		default:
		}
	}

	_, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m6", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)

	time.Sleep(200 * time.Millisecond)

	_, cerr = p.LookupColony(ctx, "m6")
	require.NotNil(t, cerr)
	assert.Equal(t, connect.CodeNotFound, cerr.Code)

	select {
	case <-reportedCh:
		assert.GreaterOrEqual(t, reported.Colonies, 1)
	case <-time.After(time.Second):
		t.Fatal("expected cleanup to report expired counts")
	}
}

func TestCount(t *testing.T) {
	p := newTestPartition(t, 5*time.Minute, time.Hour)
	ctx := context.Background()

	_, cerr := p.RegisterColony(ctx, RegisterColonyRequest{
		MeshID: "m7", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)
	_, cerr = p.RegisterAgent(ctx, RegisterAgentRequest{
		AgentID: "a7", MeshID: "m7", PubKey: "A==", Endpoints: []string{"1.2.3.4:1"},
	}, "")
	require.Nil(t, cerr)

	counts, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Colonies)
	assert.Equal(t, 1, counts.Agents)
}
