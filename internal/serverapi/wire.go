package serverapi

// Wire shapes for ServerApi (spec §6). JSON tags are authoritative; field
// names otherwise follow the rest of the codebase's Go conventions.

type newJWTSVIDRequest struct {
	ID        string   `json:"id"`
	Audiences []string `json:"audiences"`
}

type spiffeIDWire struct {
	TrustDomain string `json:"trust_domain"`
	Path        string `json:"path"`
}

type jwtSVIDWire struct {
	Token     string       `json:"token"`
	SpiffeID  spiffeIDWire `json:"spiffe_id"`
	IssuedAt  int64        `json:"issued_at"`
	ExpiresAt int64        `json:"expires_at"`
}

type newJWTSVIDResponse struct {
	JWTSVID jwtSVIDWire `json:"jwt_svid"`
}

type jwkWire struct {
	PublicKey jwkPublicKeyWire `json:"public_key"`
	KeyID     string           `json:"key_id"`
	ExpiresAt int64            `json:"expires_at"`
}

type jwkPublicKeyWire struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type x509CAWire struct {
	Bytes []byte `json:"bytes"`
}

type trustBundleWire struct {
	TrustDomain    string       `json:"trust_domain"`
	JWTKeys        []jwkWire    `json:"jwt_keys"`
	X509CAs        []x509CAWire `json:"x509_cas"`
	RefreshHint    int64        `json:"refresh_hint"`
	SequenceNumber int64        `json:"sequence_number"`
}

type trustBundleResponse struct {
	Bundle trustBundleWire `json:"bundle"`
}

// nodeAttestationRequest carries the raw attestation evidence; Type
// selects the configured nodeattestor.Attestor (only "psat" ships here).
type nodeAttestationRequest struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// workloadEntryRefWire is a bare id+selectors projection of a workload
// RegistrationEntry, carried on the node-attestation response so
// WorkloadApi can run IdentityMatcher against its own node's workload
// entries locally instead of round-tripping per attested PID.
type workloadEntryRefWire struct {
	ID        string   `json:"id"`
	Selectors []string `json:"selectors"`
}

type nodeAttestationResponse struct {
	AgentJWTSVID    jwtSVIDWire            `json:"agent_jwt_svid"`
	TrustBundle     trustBundleWire        `json:"trust_bundle"`
	WorkloadEntries []workloadEntryRefWire `json:"workload_entries"`
}
