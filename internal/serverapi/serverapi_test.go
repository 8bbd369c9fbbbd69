package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/keystore"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
	"github.com/iotedge-spiffe/workload-identity/internal/nodeattestor"
	"github.com/iotedge-spiffe/workload-identity/internal/svidfactory"
	"github.com/iotedge-spiffe/workload-identity/internal/trustbundle"
)

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewReader(b)
}

// fakeAttestor always accepts whatever payload it's given and returns a
// fixed selector set, standing in for a real nodeattestor.Attestor plugin.
type fakeAttestor struct {
	selectors []string
	err       error
}

func (f fakeAttestor) Attest(_ context.Context, _ []byte) (nodeattestor.AttestationResult, error) {
	if f.err != nil {
		return nodeattestor.AttestationResult{}, f.err
	}
	return nodeattestor.AttestationResult{AgentID: "agent-1", Selectors: f.selectors}, nil
}

type testServer struct {
	srv    *httptest.Server
	store  *catalog.Memory
	kid    string
}

func newTestServer(t *testing.T, attestor nodeattestor.Attestor) *testServer {
	t.Helper()

	store := catalog.NewMemory()
	keys := keystore.NewMemory()
	info, err := keys.CreateKey(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	jwk, err := keys.PublicJWK(context.Background(), info.Kid)
	if err != nil {
		t.Fatalf("PublicJWK: %v", err)
	}
	if err := store.AddJWK(context.Background(), "example.org", jwk); err != nil {
		t.Fatalf("AddJWK: %v", err)
	}

	activeKid := func() string { return info.Kid }
	svids := svidfactory.New(keys, activeKid, func() {}, "example.org", time.Hour)
	bundles := trustbundle.New(store, "example.org", time.Minute)

	handlers := NewHandlers(store, svids, bundles, attestor, "example.org")
	router, err := NewRouter(Config{TrustDomain: "example.org", AgentAudience: "example.org"}, handlers, bundles)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, kid: info.Kid}
}

func TestNodeAttestation_MintsSVIDAndReturnsWorkloadEntries(t *testing.T) {
	ts := newTestServer(t, fakeAttestor{selectors: []string{"PSAT:cluster-1", "NODENAME:node-1"}})

	nodeEntry := model.RegistrationEntry{
		SpiffeIDPath: "/agent/node-1",
		Selectors:    model.SelectorSet{"PSAT:cluster-1"},
	}.WithComputedID()
	if _, err := ts.store.BatchCreate(context.Background(), []model.RegistrationEntry{nodeEntry}); err != nil {
		t.Fatalf("BatchCreate node entry: %v", err)
	}

	workloadEntry := model.RegistrationEntry{
		SpiffeIDPath: "/workload/web",
		ParentID:     nodeEntry.ID,
		Selectors:    model.SelectorSet{"PODLABEL:app:web"},
	}.WithComputedID()
	if _, err := ts.store.BatchCreate(context.Background(), []model.RegistrationEntry{workloadEntry}); err != nil {
		t.Fatalf("BatchCreate workload entry: %v", err)
	}

	resp, err := http.Post(ts.srv.URL+"/node-attestation", "application/json",
		jsonBody(t, nodeAttestationRequest{Type: "psat", Payload: []byte("evidence")}))
	if err != nil {
		t.Fatalf("POST /node-attestation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /node-attestation: status %d", resp.StatusCode)
	}

	var out nodeAttestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.AgentJWTSVID.Token == "" {
		t.Fatal("node-attestation response: empty agent SVID token")
	}
	if out.AgentJWTSVID.SpiffeID.Path != "/agent/node-1" {
		t.Fatalf("node-attestation response: SpiffeID.Path = %q", out.AgentJWTSVID.SpiffeID.Path)
	}
	if len(out.WorkloadEntries) != 1 || out.WorkloadEntries[0].ID != workloadEntry.ID {
		t.Fatalf("node-attestation response: WorkloadEntries = %+v", out.WorkloadEntries)
	}
	if len(out.TrustBundle.JWTKeys) != 1 || out.TrustBundle.JWTKeys[0].KeyID != ts.kid {
		t.Fatalf("node-attestation response: TrustBundle.JWTKeys = %+v", out.TrustBundle.JWTKeys)
	}
}

func TestNodeAttestation_NoMatchingEntry(t *testing.T) {
	ts := newTestServer(t, fakeAttestor{selectors: []string{"PSAT:cluster-unknown"}})

	resp, err := http.Post(ts.srv.URL+"/node-attestation", "application/json",
		jsonBody(t, nodeAttestationRequest{Type: "psat", Payload: []byte("evidence")}))
	if err != nil {
		t.Fatalf("POST /node-attestation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST /node-attestation with no matching entry: status %d, want 404", resp.StatusCode)
	}
}

func TestNodeAttestation_AttestorRejection(t *testing.T) {
	ts := newTestServer(t, fakeAttestor{err: apperrors.AttestationRejected.New("bad evidence")})

	resp, err := http.Post(ts.srv.URL+"/node-attestation", "application/json",
		jsonBody(t, nodeAttestationRequest{Type: "psat", Payload: []byte("evidence")}))
	if err != nil {
		t.Fatalf("POST /node-attestation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("POST /node-attestation with rejected evidence: status %d, want 403", resp.StatusCode)
	}
}

func TestProtectedEndpoints_RequireBearerAgentSVID(t *testing.T) {
	ts := newTestServer(t, fakeAttestor{})

	resp, err := http.Get(ts.srv.URL + "/trust-bundle")
	if err != nil {
		t.Fatalf("GET /trust-bundle: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /trust-bundle without bearer: status %d, want 401", resp.StatusCode)
	}
}

func TestNewJWTSVID_WithValidAgentBearer(t *testing.T) {
	ts := newTestServer(t, fakeAttestor{selectors: []string{"PSAT:cluster-1"}})

	nodeEntry := model.RegistrationEntry{
		SpiffeIDPath: "/agent/node-1",
		Selectors:    model.SelectorSet{"PSAT:cluster-1"},
	}.WithComputedID()
	if _, err := ts.store.BatchCreate(context.Background(), []model.RegistrationEntry{nodeEntry}); err != nil {
		t.Fatalf("BatchCreate: %v", err)
	}

	attestResp, err := http.Post(ts.srv.URL+"/node-attestation", "application/json",
		jsonBody(t, nodeAttestationRequest{Type: "psat", Payload: []byte("evidence")}))
	if err != nil {
		t.Fatalf("POST /node-attestation: %v", err)
	}
	defer attestResp.Body.Close()
	var attested nodeAttestationResponse
	if err := json.NewDecoder(attestResp.Body).Decode(&attested); err != nil {
		t.Fatalf("decode: %v", err)
	}

	workloadEntry := model.RegistrationEntry{
		SpiffeIDPath: "/workload/web",
		ParentID:     nodeEntry.ID,
		Selectors:    model.SelectorSet{"PODLABEL:app:web"},
	}.WithComputedID()
	if _, err := ts.store.BatchCreate(context.Background(), []model.RegistrationEntry{workloadEntry}); err != nil {
		t.Fatalf("BatchCreate: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/new-JWT-SVID",
		jsonBody(t, newJWTSVIDRequest{ID: workloadEntry.ID, Audiences: []string{"example.org"}}))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+attested.AgentJWTSVID.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /new-JWT-SVID: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /new-JWT-SVID: status %d", resp.StatusCode)
	}

	var out newJWTSVIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JWTSVID.SpiffeID.Path != "/workload/web" {
		t.Fatalf("new-JWT-SVID: SpiffeID.Path = %q", out.JWTSVID.SpiffeID.Path)
	}
}
