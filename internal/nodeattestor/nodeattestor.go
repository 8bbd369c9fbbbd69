// Package nodeattestor defines the node-attestation plugin interface (spec
// §4.7); the request flow that uses it is serverapi's node-attestation
// handler. A single plugin ships with this tree: psat, which verifies
// Kubernetes Projected Service Account Tokens.
package nodeattestor

import "context"

// AttestationResult is what a successful attestation yields: the selectors
// an attestor plugin extracted from the verified token, which
// IdentityMatcher then resolves to a node RegistrationEntry.
type AttestationResult struct {
	AgentID   string
	Selectors []string
}

// Attestor verifies an agent-supplied attestation payload and extracts
// node selectors from it. Implementations must reject replayed tokens
// (spec §4.7's jti replay-cache requirement) and must be safe for
// concurrent use.
type Attestor interface {
	// Attest verifies payload (the raw bytes an agent sent, e.g. a PSAT)
	// and returns the selectors it proves. Returns an
	// AttestationRejected-classed error for anything that fails
	// verification: bad signature, expired token, replayed jti, or a
	// token whose claims don't match the cluster state the attestor looks
	// up (e.g. a pod UID that differs from the live pod's).
	Attest(ctx context.Context, payload []byte) (AttestationResult, error)
}
