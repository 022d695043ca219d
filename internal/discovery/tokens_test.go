package discovery

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coral-discovery/internal/discovery/keys"
)

func newTestKeyStore(t *testing.T) *keys.Store {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw := map[string]string{
		"id":         "test-key",
		"privateKey": base64.StdEncoding.EncodeToString(priv),
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	store, err := keys.Load(string(b), "")
	require.NoError(t, err)
	return store
}

func TestCreateBootstrapToken(t *testing.T) {
	store := newTestKeyStore(t)
	tm := NewTokenManager(TokenConfig{KeyStore: store})

	tokenString, expiresAt, err := tm.CreateBootstrapToken("reef-1", "colony-1", "agent-1", "join")
	require.NoError(t, err)
	assert.NotEmpty(t, tokenString)
	assert.Greater(t, expiresAt, int64(0))

	current := store.Current()
	parsed, err := jwt.ParseWithClaims(tokenString, &BootstrapClaims{}, func(token *jwt.Token) (interface{}, error) {
		return current.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(*BootstrapClaims)
	assert.Equal(t, "reef-1", claims.ReefID)
	assert.Equal(t, "colony-1", claims.ColonyID)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, "join", claims.Intent)
	assert.Equal(t, "coral-discovery", claims.Issuer)
	assert.Equal(t, current.ID, parsed.Header["kid"])
}

func TestCreateBootstrapTokenRequiresSigningKey(t *testing.T) {
	tm := NewTokenManager(TokenConfig{})
	_, _, err := tm.CreateBootstrapToken("r", "c", "a", "join")
	require.Error(t, err)
}
