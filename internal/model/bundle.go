package model

// JWK is a JSON Web Key as published into the trust bundle (spec §3). Only
// EC public keys are produced (canonical key type is ES256) but the shape
// is the general JWK one so a future X.509 CA entry has somewhere to live.
type JWK struct {
	Kty       string `json:"kty"`
	Kid       string `json:"kid"`
	Crv       string `json:"crv,omitempty"`
	X         string `json:"x,omitempty"`
	Y         string `json:"y,omitempty"`
	Use       string `json:"use"`
	ExpiresAt int64  `json:"expires_at"`
}

// X509CA is a DER-encoded CA certificate. Spec's Non-goals exclude
// X.509-SVID minting, so nothing populates this today; it is carried on
// TrustBundle so the wire shape in spec §6 is complete.
type X509CA struct {
	Bytes []byte `json:"bytes"`
}

// TrustBundle is the derived view relying parties fetch to validate SVIDs
// (spec §3, §4.4).
type TrustBundle struct {
	TrustDomain    string   `json:"trust_domain"`
	JWTKeys        []JWK    `json:"jwt_keys"`
	X509CAs        []X509CA `json:"x509_cas"`
	RefreshHint    int64    `json:"refresh_hint"`
	SequenceNumber int64    `json:"sequence_number"`
}
