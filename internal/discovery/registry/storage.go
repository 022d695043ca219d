package registry

import (
	"encoding/json"
	"fmt"
)

// colonyRow is the DuckDB row shape for the colonies table. JSON-valued
// fields are stored as serialized text and marshaled at this boundary only
// — the domain types (ColonyRecord, Endpoint, ...) never carry JSON text.
type colonyRow struct {
	MeshID           string `duckdb:"mesh_id,pk,immutable"`
	PubKey           string `duckdb:"pubkey"`
	Endpoints        string `duckdb:"endpoints"`
	MeshIPv4         string `duckdb:"mesh_ipv4"`
	MeshIPv6         string `duckdb:"mesh_ipv6"`
	ConnectPort      int32  `duckdb:"connect_port"`
	PublicPort       int32  `duckdb:"public_port"`
	Metadata         string `duckdb:"metadata"`
	ObservedEndpoint string `duckdb:"observed_endpoint"`
	PublicEndpoint   string `duckdb:"public_endpoint"`
	NatHint          int32  `duckdb:"nat_hint"`
	CreatedAt        int64  `duckdb:"created_at,immutable"`
	UpdatedAt        int64  `duckdb:"updated_at"`
	ExpiresAt        int64  `duckdb:"expires_at"`
}

// agentRow is the DuckDB row shape for the agents table.
type agentRow struct {
	AgentID          string `duckdb:"agent_id,pk,immutable"`
	MeshID           string `duckdb:"mesh_id"`
	PubKey           string `duckdb:"pubkey"`
	Endpoints        string `duckdb:"endpoints"`
	ObservedEndpoint string `duckdb:"observed_endpoint"`
	Metadata         string `duckdb:"metadata"`
	CreatedAt        int64  `duckdb:"created_at,immutable"`
	UpdatedAt        int64  `duckdb:"updated_at"`
	ExpiresAt        int64  `duckdb:"expires_at"`
}

func marshalEndpoints(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalEndpoints(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalMetadata(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalMetadata(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalEndpoint(v *Endpoint) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalEndpoint(s string) *Endpoint {
	if s == "" {
		return nil
	}
	var v Endpoint
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return &v
}

func marshalPublicEndpoint(v *PublicEndpoint) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalPublicEndpoint(s string) *PublicEndpoint {
	if s == "" {
		return nil
	}
	var v PublicEndpoint
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return &v
}

func colonyToRow(rec *ColonyRecord) *colonyRow {
	return &colonyRow{
		MeshID:           rec.MeshID,
		PubKey:           rec.PubKey,
		Endpoints:        marshalEndpoints(rec.Endpoints),
		MeshIPv4:         rec.MeshIPv4,
		MeshIPv6:         rec.MeshIPv6,
		ConnectPort:      int32(rec.ConnectPort),
		PublicPort:       int32(rec.PublicPort),
		Metadata:         marshalMetadata(rec.Metadata),
		ObservedEndpoint: marshalEndpoint(rec.ObservedEndpoint),
		PublicEndpoint:   marshalPublicEndpoint(rec.PublicEndpoint),
		NatHint:          int32(rec.NatHint),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		ExpiresAt:        rec.ExpiresAt,
	}
}

func rowToColony(row *colonyRow) *ColonyRecord {
	return &ColonyRecord{
		MeshID:           row.MeshID,
		PubKey:           row.PubKey,
		Endpoints:        unmarshalEndpoints(row.Endpoints),
		MeshIPv4:         row.MeshIPv4,
		MeshIPv6:         row.MeshIPv6,
		ConnectPort:      int(row.ConnectPort),
		PublicPort:       int(row.PublicPort),
		Metadata:         unmarshalMetadata(row.Metadata),
		ObservedEndpoint: unmarshalEndpoint(row.ObservedEndpoint),
		PublicEndpoint:   unmarshalPublicEndpoint(row.PublicEndpoint),
		NatHint:          int(row.NatHint),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		ExpiresAt:        row.ExpiresAt,
	}
}

func agentToRow(rec *AgentRecord) *agentRow {
	return &agentRow{
		AgentID:          rec.AgentID,
		MeshID:           rec.MeshID,
		PubKey:           rec.PubKey,
		Endpoints:        marshalEndpoints(rec.Endpoints),
		ObservedEndpoint: marshalEndpoint(rec.ObservedEndpoint),
		Metadata:         marshalMetadata(rec.Metadata),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		ExpiresAt:        rec.ExpiresAt,
	}
}

func rowToAgent(row *agentRow) *AgentRecord {
	return &AgentRecord{
		AgentID:          row.AgentID,
		MeshID:           row.MeshID,
		PubKey:           row.PubKey,
		Endpoints:        unmarshalEndpoints(row.Endpoints),
		ObservedEndpoint: unmarshalEndpoint(row.ObservedEndpoint),
		Metadata:         unmarshalMetadata(row.Metadata),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		ExpiresAt:        row.ExpiresAt,
	}
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS colonies (
	mesh_id TEXT PRIMARY KEY,
	pubkey TEXT,
	endpoints TEXT,
	mesh_ipv4 TEXT,
	mesh_ipv6 TEXT,
	connect_port INTEGER,
	public_port INTEGER,
	metadata TEXT,
	observed_endpoint TEXT,
	public_endpoint TEXT,
	nat_hint INTEGER,
	created_at BIGINT,
	updated_at BIGINT,
	expires_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_colonies_expires_at ON colonies(expires_at);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	mesh_id TEXT,
	pubkey TEXT,
	endpoints TEXT,
	observed_endpoint TEXT,
	metadata TEXT,
	created_at BIGINT,
	updated_at BIGINT,
	expires_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_agents_mesh_id ON agents(mesh_id);
CREATE INDEX IF NOT EXISTS idx_agents_expires_at ON agents(expires_at);
`

func wrapTableErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
