package workloadapi

// Wire shapes for the workload-facing surface of the Unix-socket endpoint
// (spec §4.11). Unlike ServerApi these are never specified verbatim in the
// wire protocol section, since WorkloadApi is local-only; the shapes below
// mirror ServerApi's jwt_svid/bundle conventions so a workload library
// speaking both surfaces sees one consistent vocabulary.

type fetchSVIDsRequest struct {
	Audiences []string `json:"audiences,omitempty"`
}

type spiffeIDWire struct {
	TrustDomain string `json:"trust_domain"`
	Path        string `json:"path"`
}

type svidWire struct {
	SpiffeID  spiffeIDWire `json:"spiffe_id"`
	Token     string       `json:"token"`
	IssuedAt  int64        `json:"issued_at"`
	ExpiresAt int64        `json:"expires_at"`
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

type trustBundleWire struct {
	TrustDomain    string    `json:"trust_domain"`
	JWTKeys        []jwkWire `json:"jwt_keys"`
	RefreshHint    int64     `json:"refresh_hint"`
	SequenceNumber int64     `json:"sequence_number"`
}

type fetchSVIDsResponse struct {
	SVIDs  []svidWire      `json:"svids"`
	Bundle trustBundleWire `json:"bundle"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
