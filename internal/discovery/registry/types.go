package registry

// Endpoint is a reachable network address as observed or declared by a
// registrant.
type Endpoint struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// CAFingerprint identifies a certificate authority by digest.
type CAFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"` // base64
}

// PublicEndpoint describes a colony's optional publicly reachable ingress.
type PublicEndpoint struct {
	Enabled       bool           `json:"enabled"`
	URL           string         `json:"url,omitempty"`
	CACert        string         `json:"caCert,omitempty"`
	CAFingerprint *CAFingerprint `json:"caFingerprint,omitempty"`
	UpdatedAt     int64          `json:"updatedAt,omitempty"`
}

// ColonyRecord is the durable state of one colony registration.
type ColonyRecord struct {
	MeshID           string
	PubKey           string
	Endpoints        []string
	MeshIPv4         string
	MeshIPv6         string
	ConnectPort      int
	PublicPort       int
	Metadata         map[string]string
	ObservedEndpoint *Endpoint
	PublicEndpoint   *PublicEndpoint
	NatHint          int
	CreatedAt        int64 // ms since epoch
	UpdatedAt        int64
	ExpiresAt        int64
}

// AgentRecord is the durable state of one agent registration.
type AgentRecord struct {
	AgentID          string
	MeshID           string
	PubKey           string
	Endpoints        []string
	ObservedEndpoint *Endpoint
	Metadata         map[string]string
	CreatedAt        int64
	UpdatedAt        int64
	ExpiresAt        int64
}

// RegisterColonyRequest carries a colony registration's client-supplied
// fields.
type RegisterColonyRequest struct {
	MeshID           string
	PubKey           string
	Endpoints        []string
	MeshIPv4         string
	MeshIPv6         string
	ConnectPort      int
	PublicPort       int
	Metadata         map[string]string
	ObservedEndpoint *Endpoint
	PublicEndpoint   *PublicEndpoint
}

// RegisterAgentRequest carries an agent registration's client-supplied
// fields.
type RegisterAgentRequest struct {
	AgentID          string
	MeshID           string
	PubKey           string
	Endpoints        []string
	ObservedEndpoint *Endpoint
	Metadata         map[string]string
}

// RegisterResult is the outcome of a successful register_colony or
// register_agent operation.
type RegisterResult struct {
	Success          bool
	TTLSeconds       int
	ExpiresAt        int64 // ms since epoch
	ObservedEndpoint *Endpoint
}

// Counts reports the non-expired record counts held by a partition.
type Counts struct {
	Colonies int
	Agents   int
}
