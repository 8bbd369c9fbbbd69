package model

// KeyState is the lifecycle state of a SigningKey (spec §3).
type KeyState string

const (
	KeyActive  KeyState = "ACTIVE"
	KeyRetired KeyState = "RETIRED"
)

// SigningKeyInfo is the non-opaque metadata about a KeyStore-held key that
// callers outside KeyStore are allowed to see. The private material itself
// is never returned by value (spec §4.2).
type SigningKeyInfo struct {
	Kid       string   `json:"kid"`
	State     KeyState `json:"state"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
}

// AgentSession is in-server state keyed by agent SPIFFE ID (spec §3).
type AgentSession struct {
	AgentSpiffeID  string `json:"agent_spiffe_id"`
	NodeEntryID    string `json:"node_entry_id"`
	AttestedAt     int64  `json:"attested_at"`
	LastSeen       int64  `json:"last_seen"`
	IssuedSVIDKid  string `json:"issued_svid_kid"`
}
