// Package discovery provides bootstrap-token issuance for agents joining a
// colony.
package discovery

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coral-mesh/coral-discovery/internal/discovery/keys"
)

// TokenManager issues short-lived Ed25519 bootstrap JWTs.
type TokenManager struct {
	keyStore   *keys.Store
	defaultTTL time.Duration
	issuer     string
	audience   string
}

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	KeyStore   *keys.Store
	DefaultTTL time.Duration
	Issuer     string
	Audience   string
}

// NewTokenManager creates a TokenManager, filling in the spec's defaults.
func NewTokenManager(cfg TokenConfig) *TokenManager {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 1 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "coral-discovery"
	}
	if cfg.Audience == "" {
		cfg.Audience = "coral-colony"
	}

	return &TokenManager{
		keyStore:   cfg.KeyStore,
		defaultTTL: cfg.DefaultTTL,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
	}
}

// BootstrapClaims are the JWT claims of a bootstrap token.
type BootstrapClaims struct {
	ReefID   string `json:"reef_id"`
	ColonyID string `json:"colony_id"`
	AgentID  string `json:"agent_id"`
	Intent   string `json:"intent"`
	jwt.RegisteredClaims
}

// CreateBootstrapToken mints a bootstrap token for an agent joining a
// colony. Returns the compact JWT and its expiry as Unix seconds.
func (tm *TokenManager) CreateBootstrapToken(reefID, colonyID, agentID, intent string) (string, int64, error) {
	if tm.keyStore == nil {
		return "", 0, fmt.Errorf("no signing key configured")
	}

	current := tm.keyStore.Current()
	if current == nil {
		return "", 0, fmt.Errorf("no active signing key available")
	}

	now := time.Now()
	expiresAt := now.Add(tm.defaultTTL)

	claims := &BootstrapClaims{
		ReefID:   reefID,
		ColonyID: colonyID,
		AgentID:  agentID,
		Intent:   intent,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = current.ID

	signed, err := token.SignedString(current.PrivateKey)
	if err != nil {
		return "", 0, fmt.Errorf("sign bootstrap token: %w", err)
	}

	return signed, expiresAt.Unix(), nil
}
