package serverapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/identitymatcher"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
	"github.com/iotedge-spiffe/workload-identity/internal/nodeattestor"
	"github.com/iotedge-spiffe/workload-identity/internal/svidfactory"
	"github.com/iotedge-spiffe/workload-identity/internal/trustbundle"
)

// errorBody is the JSON shape every non-2xx ServerApi/AdminApi response
// uses (spec §7): a taxonomy code plus a human-readable message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(errorBody{Code: apperrors.Code(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handlers holds everything ServerApi's endpoints need: the entry store (to
// resolve ids presented on /new-JWT-SVID and to run IdentityMatcher against
// for node attestation), the SVID factory, the trust bundle builder, and the
// configured node attestor.
type Handlers struct {
	entries     catalog.EntryStore
	svids       *svidfactory.Factory
	bundles     *trustbundle.Builder
	matcher     identitymatcher.Matcher
	attestor    nodeattestor.Attestor
	trustDomain string
}

// NewHandlers constructs Handlers.
func NewHandlers(entries catalog.EntryStore, svids *svidfactory.Factory, bundles *trustbundle.Builder, attestor nodeattestor.Attestor, trustDomain string) *Handlers {
	return &Handlers{
		entries:     entries,
		svids:       svids,
		bundles:     bundles,
		matcher:     identitymatcher.New(),
		attestor:    attestor,
		trustDomain: trustDomain,
	}
}

func toJWTSVIDWire(res svidfactory.Result, trustDomain string, path string) jwtSVIDWire {
	return jwtSVIDWire{
		Token:     res.Token,
		SpiffeID:  spiffeIDWire{TrustDomain: trustDomain, Path: path},
		IssuedAt:  res.IssuedAt.Unix(),
		ExpiresAt: res.ExpiresAt.Unix(),
	}
}

func toTrustBundleWire(b model.TrustBundle) trustBundleWire {
	keys := make([]jwkWire, len(b.JWTKeys))
	for i, k := range b.JWTKeys {
		keys[i] = jwkWire{
			PublicKey: jwkPublicKeyWire{Kty: k.Kty, Crv: k.Crv, X: k.X, Y: k.Y},
			KeyID:     k.Kid,
			ExpiresAt: k.ExpiresAt,
		}
	}
	cas := make([]x509CAWire, len(b.X509CAs))
	for i, ca := range b.X509CAs {
		cas[i] = x509CAWire{Bytes: ca.Bytes}
	}
	return trustBundleWire{
		TrustDomain:    b.TrustDomain,
		JWTKeys:        keys,
		X509CAs:        cas,
		RefreshHint:    b.RefreshHint,
		SequenceNumber: b.SequenceNumber,
	}
}

// handleNewJWTSVID implements POST /new-JWT-SVID (spec §6): mint a JWT-SVID
// for the registration entry identified by id, scoped to audiences.
func (h *Handlers) handleNewJWTSVID(w http.ResponseWriter, r *http.Request) {
	var req newJWTSVIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}
	if req.ID == "" {
		writeError(w, apperrors.InvalidArgument.New("id is required"))
		return
	}

	entry, err := h.entries.GetEntry(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if caller, ok := agentIdentityFromContext(r.Context()); ok {
		log.Printf("serverapi: %s minting SVID for entry %s", caller, entry.ID)
	}

	result, err := h.svids.Mint(r.Context(), entry, req.Audiences)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newJWTSVIDResponse{
		JWTSVID: toJWTSVIDWire(result, h.trustDomain, entry.SpiffeIDPath),
	})
}

// handleTrustBundle implements GET /trust-bundle (spec §6): `jwt_keys` and
// `x509_cas` default to true when absent, so an unfiltered request keeps
// returning the full bundle.
func (h *Handlers) handleTrustBundle(w http.ResponseWriter, r *http.Request) {
	includeJWT := queryBoolDefault(r, "jwt_keys", true)
	includeX509 := queryBoolDefault(r, "x509_cas", true)

	bundle, err := h.bundles.Build(r.Context(), includeJWT, includeX509)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trustBundleResponse{Bundle: toTrustBundleWire(bundle)})
}

// queryBoolDefault parses a boolean query parameter, falling back to def
// when the parameter is absent or malformed.
func queryBoolDefault(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// handleNodeAttestation implements the node-attestation endpoint (spec
// §4.7): verify the presented evidence, resolve it to the unique matching
// node RegistrationEntry (failing if none or several tie at the top
// specificity tier), and issue that entry's first agent JWT-SVID alongside
// the current trust bundle.
func (h *Handlers) handleNodeAttestation(w http.ResponseWriter, r *http.Request) {
	var req nodeAttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}
	if req.Type == "" {
		writeError(w, apperrors.InvalidArgument.New("type is required"))
		return
	}

	result, err := h.attestor.Attest(r.Context(), req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	all, err := catalog.ListAllEntries(r.Context(), h.entries, 256)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, ok := h.matcher.Unique(all, "", result.Selectors)
	if !ok {
		writeError(w, apperrors.NotFound.New("no unique node registration entry matches the presented selectors"))
		return
	}

	svidResult, err := h.svids.Mint(r.Context(), entry, []string{h.trustDomain})
	if err != nil {
		writeError(w, err)
		return
	}

	bundle, err := h.bundles.Build(r.Context(), true, true)
	if err != nil {
		writeError(w, err)
		return
	}

	var workloadEntries []workloadEntryRefWire
	for _, e := range all {
		if e.ParentID != entry.ID {
			continue
		}
		workloadEntries = append(workloadEntries, workloadEntryRefWire{
			ID:        e.ID,
			Selectors: []string(e.Selectors),
		})
	}

	writeJSON(w, http.StatusOK, nodeAttestationResponse{
		AgentJWTSVID:    toJWTSVIDWire(svidResult, h.trustDomain, entry.SpiffeIDPath),
		TrustBundle:     toTrustBundleWire(bundle),
		WorkloadEntries: workloadEntries,
	})
}
