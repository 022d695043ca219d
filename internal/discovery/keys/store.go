// Package keys implements the signing-key store: Ed25519 key import from
// configuration, a signer for the current key, and JWKS publication across
// key rotation.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// KeyPair is one loaded Ed25519 signing key.
type KeyPair struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// rawKey is the `{id, privateKey, publicKey?}` JSON shape DISCOVERY_SIGNING_KEY
// and DISCOVERY_PREVIOUS_KEYS carry.
type rawKey struct {
	ID         string `json:"id"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// JWK is a single entry of a published JSON Web Key Set.
type JWK struct {
	KID string `json:"kid"`
	KTY string `json:"kty"`
	CRV string `json:"crv"`
	X   string `json:"x"`
	USE string `json:"use"`
	ALG string `json:"alg"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Store holds the current signing key and any previous keys retained for
// JWKS verification during rotation.
type Store struct {
	current  *KeyPair
	previous []*KeyPair
}

// Load parses DISCOVERY_SIGNING_KEY (required) and DISCOVERY_PREVIOUS_KEYS
// (optional, a JSON array of the same shape) into a Store.
func Load(signingKeyJSON, previousKeysJSON string) (*Store, error) {
	if signingKeyJSON == "" {
		return nil, fmt.Errorf("DISCOVERY_SIGNING_KEY is not configured")
	}

	var raw rawKey
	if err := json.Unmarshal([]byte(signingKeyJSON), &raw); err != nil {
		return nil, fmt.Errorf("parse DISCOVERY_SIGNING_KEY: %w", err)
	}

	current, err := parseKeyPair(raw)
	if err != nil {
		return nil, fmt.Errorf("DISCOVERY_SIGNING_KEY: %w", err)
	}

	store := &Store{current: current}

	if previousKeysJSON != "" {
		var rawPrev []rawKey
		if err := json.Unmarshal([]byte(previousKeysJSON), &rawPrev); err != nil {
			return nil, fmt.Errorf("parse DISCOVERY_PREVIOUS_KEYS: %w", err)
		}
		for _, r := range rawPrev {
			kp, err := parseKeyPair(r)
			if err != nil {
				return nil, fmt.Errorf("DISCOVERY_PREVIOUS_KEYS: %w", err)
			}
			store.previous = append(store.previous, kp)
		}
	}

	return store, nil
}

// parseKeyPair decodes the base64 payload per the key import rules: a
// 32-byte (seed-only) payload is rejected unless raw.PublicKey is also
// supplied; the supplied public key is used as given and is not compared
// with the one the seed would derive. A 64-byte payload (seed || public key)
// carries both halves already.
func parseKeyPair(raw rawKey) (*KeyPair, error) {
	if raw.PrivateKey == "" {
		return nil, fmt.Errorf("missing privateKey")
	}

	payload, err := base64.StdEncoding.DecodeString(raw.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode privateKey: %w", err)
	}

	var priv ed25519.PrivateKey
	var pub ed25519.PublicKey

	switch len(payload) {
	case ed25519.SeedSize:
		if raw.PublicKey == "" {
			return nil, fmt.Errorf("32-byte seed requires an accompanying publicKey")
		}
		pubBytes, err := base64.StdEncoding.DecodeString(raw.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode publicKey: %w", err)
		}
		if len(pubBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("publicKey must be %d bytes, got %d", ed25519.PublicKeySize, len(pubBytes))
		}
		priv = ed25519.NewKeyFromSeed(payload)
		pub = ed25519.PublicKey(pubBytes)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(payload)
		pub = priv.Public().(ed25519.PublicKey)
	default:
		return nil, fmt.Errorf("privateKey must decode to %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(payload))
	}

	id := raw.ID
	if id == "" {
		id = ulid.Make().String()
	}

	return &KeyPair{ID: id, PublicKey: pub, PrivateKey: priv}, nil
}

// Current returns the key used to sign new tokens.
func (s *Store) Current() *KeyPair {
	return s.current
}

// JWKS returns the published key set: the current key followed by every
// retained previous key, for verification overlap during rotation.
func (s *Store) JWKS() *JWKS {
	jwks := &JWKS{Keys: make([]JWK, 0, len(s.previous)+1)}
	jwks.Keys = append(jwks.Keys, toJWK(s.current))
	for _, kp := range s.previous {
		jwks.Keys = append(jwks.Keys, toJWK(kp))
	}
	return jwks
}

func toJWK(kp *KeyPair) JWK {
	return JWK{
		KID: kp.ID,
		KTY: "OKP",
		CRV: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(kp.PublicKey),
		USE: "sig",
		ALG: "EdDSA",
	}
}
