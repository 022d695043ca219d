// Package server implements RpcGateway: the Connect-style JSON HTTP front
// end dispatching onto the partitioned registry, the metrics aggregator,
// and the signing key store.
package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/coral-mesh/coral-discovery/internal/discovery/registry"
)

// Int64String serializes as a decimal string, avoiding precision loss for
// 64-bit integers passed through JSON.
type Int64String int64

func (i Int64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(i), 10))
}

func (i *Int64String) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int64 string %q: %w", s, err)
		}
		*i = Int64String(v)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode int64-or-string: %w", err)
	}
	*i = Int64String(n)
	return nil
}

// rfc3339Millis formats a milliseconds-since-epoch timestamp as RFC 3339.
func rfc3339Millis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// registerColonyRequest is the wire shape of RegisterColony's request body.
type registerColonyRequest struct {
	MeshID           string                    `json:"meshId"`
	PubKey           string                    `json:"pubkey"`
	Endpoints        []string                  `json:"endpoints"`
	MeshIPv4         string                    `json:"meshIpv4,omitempty"`
	MeshIPv6         string                    `json:"meshIpv6,omitempty"`
	ConnectPort      int                       `json:"connectPort,omitempty"`
	PublicPort       int                       `json:"publicPort,omitempty"`
	Metadata         map[string]string         `json:"metadata,omitempty"`
	ObservedEndpoint *registry.Endpoint        `json:"observedEndpoint,omitempty"`
	PublicEndpoint   *registry.PublicEndpoint  `json:"publicEndpoint,omitempty"`
}

func (r registerColonyRequest) toDomain() registry.RegisterColonyRequest {
	return registry.RegisterColonyRequest{
		MeshID:           r.MeshID,
		PubKey:           r.PubKey,
		Endpoints:        r.Endpoints,
		MeshIPv4:         r.MeshIPv4,
		MeshIPv6:         r.MeshIPv6,
		ConnectPort:      r.ConnectPort,
		PublicPort:       r.PublicPort,
		Metadata:         r.Metadata,
		ObservedEndpoint: r.ObservedEndpoint,
		PublicEndpoint:   r.PublicEndpoint,
	}
}

// registerResponse is the wire shape shared by RegisterColony and
// RegisterAgent responses.
type registerResponse struct {
	Success          bool               `json:"success"`
	TTL              int                `json:"ttl"`
	ExpiresAt        string             `json:"expiresAt"`
	ObservedEndpoint *registry.Endpoint `json:"observedEndpoint,omitempty"`
}

func registerResponseFrom(res *registry.RegisterResult) registerResponse {
	return registerResponse{
		Success:          res.Success,
		TTL:              res.TTLSeconds,
		ExpiresAt:        rfc3339Millis(res.ExpiresAt),
		ObservedEndpoint: res.ObservedEndpoint,
	}
}

type lookupColonyRequest struct {
	MeshID string `json:"meshId"`
}

// lookupColonyResponse is the wire shape of LookupColony's response body.
type lookupColonyResponse struct {
	MeshID            string                   `json:"meshId"`
	PubKey            string                   `json:"pubkey"`
	Endpoints         []string                 `json:"endpoints"`
	MeshIPv4          string                   `json:"meshIpv4,omitempty"`
	MeshIPv6          string                   `json:"meshIpv6,omitempty"`
	ConnectPort       int                      `json:"connectPort,omitempty"`
	PublicPort        int                      `json:"publicPort,omitempty"`
	Metadata          map[string]string        `json:"metadata,omitempty"`
	LastSeen          string                   `json:"lastSeen,omitempty"`
	ObservedEndpoints []registry.Endpoint      `json:"observedEndpoints"`
	Nat               int                      `json:"nat"`
	PublicEndpoint    *registry.PublicEndpoint `json:"publicEndpoint,omitempty"`
}

func lookupColonyResponseFrom(rec *registry.ColonyRecord) lookupColonyResponse {
	resp := lookupColonyResponse{
		MeshID:            rec.MeshID,
		PubKey:            rec.PubKey,
		Endpoints:         rec.Endpoints,
		MeshIPv4:          rec.MeshIPv4,
		MeshIPv6:          rec.MeshIPv6,
		ConnectPort:       rec.ConnectPort,
		PublicPort:        rec.PublicPort,
		Metadata:          rec.Metadata,
		ObservedEndpoints: []registry.Endpoint{},
		Nat:               rec.NatHint,
		PublicEndpoint:    rec.PublicEndpoint,
	}
	if rec.UpdatedAt > 0 {
		resp.LastSeen = rfc3339Millis(rec.UpdatedAt)
	}
	if rec.ObservedEndpoint != nil {
		resp.ObservedEndpoints = []registry.Endpoint{*rec.ObservedEndpoint}
	}
	return resp
}

// registerAgentRequest is the wire shape of RegisterAgent's request body.
type registerAgentRequest struct {
	AgentID          string             `json:"agentId"`
	MeshID           string             `json:"meshId"`
	PubKey           string             `json:"pubkey"`
	Endpoints        []string           `json:"endpoints"`
	ObservedEndpoint *registry.Endpoint `json:"observedEndpoint,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
}

func (r registerAgentRequest) toDomain() registry.RegisterAgentRequest {
	return registry.RegisterAgentRequest{
		AgentID:          r.AgentID,
		MeshID:           r.MeshID,
		PubKey:           r.PubKey,
		Endpoints:        r.Endpoints,
		ObservedEndpoint: r.ObservedEndpoint,
		Metadata:         r.Metadata,
	}
}

type lookupAgentRequest struct {
	AgentID string `json:"agentId"`
	MeshID  string `json:"meshId"`
}

// lookupAgentResponse is the wire shape of LookupAgent's response body.
type lookupAgentResponse struct {
	AgentID           string              `json:"agentId"`
	MeshID            string              `json:"meshId"`
	PubKey            string              `json:"pubkey"`
	Endpoints         []string            `json:"endpoints"`
	ObservedEndpoints []registry.Endpoint `json:"observedEndpoints"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	LastSeen          string              `json:"lastSeen,omitempty"`
}

func lookupAgentResponseFrom(rec *registry.AgentRecord) lookupAgentResponse {
	resp := lookupAgentResponse{
		AgentID:           rec.AgentID,
		MeshID:            rec.MeshID,
		PubKey:            rec.PubKey,
		Endpoints:         rec.Endpoints,
		ObservedEndpoints: []registry.Endpoint{},
		Metadata:          rec.Metadata,
	}
	if rec.UpdatedAt > 0 {
		resp.LastSeen = rfc3339Millis(rec.UpdatedAt)
	}
	if rec.ObservedEndpoint != nil {
		resp.ObservedEndpoints = []registry.Endpoint{*rec.ObservedEndpoint}
	}
	return resp
}

// createBootstrapTokenRequest is the wire shape of CreateBootstrapToken's
// request body.
type createBootstrapTokenRequest struct {
	ReefID   string `json:"reefId"`
	ColonyID string `json:"colonyId"`
	AgentID  string `json:"agentId"`
	Intent   string `json:"intent"`
}

// createBootstrapTokenResponse is the wire shape of CreateBootstrapToken's
// response body. ExpiresAt is a decimal-seconds-since-epoch integer encoded
// as a string to avoid precision loss.
type createBootstrapTokenResponse struct {
	JWT       string      `json:"jwt"`
	ExpiresAt Int64String `json:"expiresAt"`
}

// healthResponse is the wire shape of Health's response body.
type healthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
	RegisteredColonies int   `json:"registeredColonies"`
}

// errorResponse is the wire shape of every non-2xx Connect response body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statsResponse is the wire shape of GET /stats.
type statsResponse struct {
	Operations      map[string]int64 `json:"operations"`
	ExpiredColonies int64            `json:"expiredColonies"`
	ExpiredAgents   int64            `json:"expiredAgents"`
}

// jwksResponse mirrors keys.JWKS field-for-field for the wire (kept
// distinct so the gateway never couples to the keys package's Go-side
// naming conventions).
type jwksResponse struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	KID string `json:"kid"`
	KTY string `json:"kty"`
	CRV string `json:"crv"`
	X   string `json:"x"`
	USE string `json:"use"`
	ALG string `json:"alg"`
}
