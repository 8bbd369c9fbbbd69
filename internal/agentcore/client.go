// Package agentcore drives an Agent process's half of the protocol (spec
// §4.10): attest, then keep its own SVID (by re-attesting) and the trust
// bundle fresh for as long as the process runs.
package agentcore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

// ServerClient calls a Server process's ServerApi over HTTP/1.1, matching
// spec §6's wire protocol.
type ServerClient struct {
	baseURL    string
	httpClient *http.Client
	token      string // current bearer agent SVID, set after a successful attest/refresh
}

// NewServerClient constructs a ServerClient pointed at baseURL (e.g.
// "https://server:8443").
func NewServerClient(baseURL string, timeout time.Duration) *ServerClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ServerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken updates the bearer token later requests present.
func (c *ServerClient) SetToken(token string) {
	c.token = token
}

type jwtSVIDResponse struct {
	Token     string `json:"token"`
	SpiffeID  struct {
		TrustDomain string `json:"trust_domain"`
		Path        string `json:"path"`
	} `json:"spiffe_id"`
	IssuedAt  int64 `json:"issued_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// SVID is the client-side view of a minted JWT-SVID.
type SVID struct {
	Token     string
	SpiffeID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (r jwtSVIDResponse) toSVID() SVID {
	return SVID{
		Token:     r.Token,
		SpiffeID:  "spiffe://" + r.SpiffeID.TrustDomain + r.SpiffeID.Path,
		IssuedAt:  time.Unix(r.IssuedAt, 0),
		ExpiresAt: time.Unix(r.ExpiresAt, 0),
	}
}

type nodeAttestationRequestWire struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

type workloadEntryRefWire struct {
	ID        string   `json:"id"`
	Selectors []string `json:"selectors"`
}

type nodeAttestationResponseWire struct {
	AgentJWTSVID    jwtSVIDResponse         `json:"agent_jwt_svid"`
	TrustBundle     trustBundleResponseWire `json:"trust_bundle"`
	WorkloadEntries []workloadEntryRefWire  `json:"workload_entries"`
}

// WorkloadEntry is the agent-side view of a workload RegistrationEntry
// whose ParentID matches this agent's own node entry, handed back on
// attestation so WorkloadApi can match against it without a Catalog
// connection of its own.
type WorkloadEntry struct {
	ID        string
	Selectors []string
}

func (r nodeAttestationResponseWire) toWorkloadEntries() []WorkloadEntry {
	if len(r.WorkloadEntries) == 0 {
		return nil
	}
	out := make([]WorkloadEntry, len(r.WorkloadEntries))
	for i, e := range r.WorkloadEntries {
		out[i] = WorkloadEntry{ID: e.ID, Selectors: e.Selectors}
	}
	return out
}

// Attest calls the node-attestation endpoint with evidenceType/payload and
// returns the agent's first SVID, the trust bundle handed back alongside
// it, and the snapshot of this node's workload entries.
func (c *ServerClient) Attest(ctx context.Context, evidenceType string, payload []byte) (SVID, TrustBundle, []WorkloadEntry, error) {
	body, err := json.Marshal(nodeAttestationRequestWire{Type: evidenceType, Payload: payload})
	if err != nil {
		return SVID{}, TrustBundle{}, nil, apperrors.Internal.Wrap(err)
	}

	var resp nodeAttestationResponseWire
	if err := c.post(ctx, "/node-attestation", body, false, &resp); err != nil {
		return SVID{}, TrustBundle{}, nil, err
	}
	return resp.AgentJWTSVID.toSVID(), resp.TrustBundle.toTrustBundle(), resp.toWorkloadEntries(), nil
}

type newJWTSVIDRequestWire struct {
	ID        string   `json:"id"`
	Audiences []string `json:"audiences"`
}

type newJWTSVIDResponseWire struct {
	JWTSVID jwtSVIDResponse `json:"jwt_svid"`
}

// NewJWTSVID calls POST /new-JWT-SVID for entry id, scoped to audiences.
func (c *ServerClient) NewJWTSVID(ctx context.Context, id string, audiences []string) (SVID, error) {
	body, err := json.Marshal(newJWTSVIDRequestWire{ID: id, Audiences: audiences})
	if err != nil {
		return SVID{}, apperrors.Internal.Wrap(err)
	}

	var resp newJWTSVIDResponseWire
	if err := c.post(ctx, "/new-JWT-SVID", body, true, &resp); err != nil {
		return SVID{}, err
	}
	return resp.JWTSVID.toSVID(), nil
}

type jwkResponseWire struct {
	PublicKey struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
		Y   string `json:"y"`
	} `json:"public_key"`
	KeyID     string `json:"key_id"`
	ExpiresAt int64  `json:"expires_at"`
}

type trustBundleResponseWire struct {
	TrustDomain    string            `json:"trust_domain"`
	JWTKeys        []jwkResponseWire `json:"jwt_keys"`
	RefreshHint    int64             `json:"refresh_hint"`
	SequenceNumber int64             `json:"sequence_number"`
}

// TrustBundle is the client-side view of /trust-bundle's response.
type TrustBundle struct {
	TrustDomain    string
	JWTKeys        []jwkResponseWire
	RefreshHint    time.Duration
	SequenceNumber int64
}

func (r trustBundleResponseWire) toTrustBundle() TrustBundle {
	return TrustBundle{
		TrustDomain:    r.TrustDomain,
		JWTKeys:        r.JWTKeys,
		RefreshHint:    time.Duration(r.RefreshHint) * time.Second,
		SequenceNumber: r.SequenceNumber,
	}
}

type trustBundleEnvelope struct {
	Bundle trustBundleResponseWire `json:"bundle"`
}

// TrustBundle calls GET /trust-bundle.
func (c *ServerClient) TrustBundle(ctx context.Context) (TrustBundle, error) {
	var env trustBundleEnvelope
	if err := c.get(ctx, "/trust-bundle", true, &env); err != nil {
		return TrustBundle{}, err
	}
	return env.Bundle.toTrustBundle(), nil
}

func (c *ServerClient) get(ctx context.Context, path string, authed bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	return c.do(req, authed, out)
}

func (c *ServerClient) post(ctx context.Context, path string, body []byte, authed bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, authed, out)
}

func (c *ServerClient) do(req *http.Request, authed bool, out interface{}) error {
	if authed {
		if c.token == "" {
			return apperrors.Unauthenticated.New("no agent SVID available yet")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, string(data))
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	return nil
}

func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusUnauthorized:
		return apperrors.Unauthenticated.New("server: %s", body)
	case http.StatusNotFound:
		return apperrors.NotFound.New("server: %s", body)
	case http.StatusBadRequest:
		return apperrors.InvalidArgument.New("server: %s", body)
	case http.StatusPreconditionFailed:
		return apperrors.FailedPrecondition.New("server: %s", body)
	case http.StatusForbidden:
		return apperrors.AttestationRejected.New("server: %s", body)
	default:
		return apperrors.Internal.New("server returned %d: %s", status, body)
	}
}
