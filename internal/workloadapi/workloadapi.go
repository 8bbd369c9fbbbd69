// Package workloadapi implements the Unix-domain-socket endpoint workloads
// call to obtain SVIDs (spec §4.11): record the connecting process's
// credentials off the socket itself, resolve selectors for it through the
// configured workload attestor, match those selectors against the agent's
// locally cached workload-entry snapshot, then mint an SVID per match
// through the Server.
package workloadapi

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iotedge-spiffe/workload-identity/internal/agentcore"
	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/identitymatcher"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
	"github.com/iotedge-spiffe/workload-identity/internal/workloadattestor"
)

// EntrySource is the subset of agentcore.AgentCore this package depends
// on: the locally cached view populated by node attestation (spec §4.10's
// "fan-out changes to the WorkloadApi").
type EntrySource interface {
	CurrentWorkloadEntries() []agentcore.WorkloadEntry
	CurrentTrustBundle() agentcore.TrustBundle
}

// SVIDMinter is the subset of agentcore.ServerClient this package needs:
// minting a JWT-SVID for a registration entry id already resolved locally.
type SVIDMinter interface {
	NewJWTSVID(ctx context.Context, id string, audiences []string) (agentcore.SVID, error)
}

// Handlers serves the workload-facing HTTP and WebSocket endpoints over a
// Unix domain socket.
type Handlers struct {
	entries     EntrySource
	minter      SVIDMinter
	attestor    workloadattestor.Attestor
	matcher     identitymatcher.Matcher
	trustDomain string

	hub *hub
}

// NewHandlers constructs Handlers. trustDomain is used as the default
// audience when a fetch request names none.
func NewHandlers(entries EntrySource, minter SVIDMinter, attestor workloadattestor.Attestor, trustDomain string) *Handlers {
	return &Handlers{
		entries:     entries,
		minter:      minter,
		attestor:    attestor,
		matcher:     identitymatcher.New(),
		trustDomain: trustDomain,
		hub:         newHub(),
	}
}

// OnWorkloadEntriesChanged re-matches and re-mints for every streaming
// client whenever AgentCore refreshes its snapshot (spec §4.11 streaming
// variant: "re-emitted whenever... the caller's matching entries
// change"). Wire this into agentcore.New's onWorkloadEntriesChange hook.
func (h *Handlers) OnWorkloadEntriesChanged([]agentcore.WorkloadEntry) {
	h.hub.broadcast(func(ctx context.Context, c *client) {
		h.pushToClient(ctx, c)
	})
}

// OnTrustBundleChanged re-emits to every streaming client whenever
// AgentCore's trust bundle sequence number advances. Wire this into
// agentcore.New's onBundleChange hook.
func (h *Handlers) OnTrustBundleChanged(agentcore.TrustBundle) {
	h.hub.broadcast(func(ctx context.Context, c *client) {
		h.pushToClient(ctx, c)
	})
}

// matchEntries runs IdentityMatcher against the cached workload-entry
// snapshot. The snapshot was already filtered server-side to the ones
// whose parent is this agent's own node entry (spec §3: "a WORKLOAD entry
// is only considered for an agent whose node entry id equals parent_id"),
// so the parent check here always trivially holds.
func (h *Handlers) matchEntries(presented []string) []model.RegistrationEntry {
	cached := h.entries.CurrentWorkloadEntries()
	asEntries := make([]model.RegistrationEntry, len(cached))
	for i, e := range cached {
		asEntries[i] = model.RegistrationEntry{ID: e.ID, Selectors: model.SelectorSet(e.Selectors)}
	}
	return h.matcher.MatchByParent(asEntries, "", presented)
}

func (h *Handlers) mintAll(ctx context.Context, matches []model.RegistrationEntry, audiences []string) ([]svidWire, error) {
	if len(audiences) == 0 {
		audiences = []string{h.trustDomain}
	}

	out := make([]svidWire, 0, len(matches))
	for _, entry := range matches {
		svid, err := h.minter.NewJWTSVID(ctx, entry.ID, audiences)
		if err != nil {
			return nil, err
		}
		out = append(out, svidWire{
			SpiffeID:  spiffeIDFromString(svid.SpiffeID),
			Token:     svid.Token,
			IssuedAt:  svid.IssuedAt.Unix(),
			ExpiresAt: svid.ExpiresAt.Unix(),
		})
	}
	return out, nil
}

func spiffeIDFromString(id string) spiffeIDWire {
	const prefix = "spiffe://"
	rest := id
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		rest = id[len(prefix):]
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return spiffeIDWire{TrustDomain: rest[:i], Path: rest[i:]}
		}
	}
	return spiffeIDWire{TrustDomain: rest}
}

func toTrustBundleWire(b agentcore.TrustBundle) trustBundleWire {
	keys := make([]jwkWire, len(b.JWTKeys))
	for i, k := range b.JWTKeys {
		keys[i] = jwkWire{
			PublicKey: jwkPublicKeyWire{Kty: k.PublicKey.Kty, Crv: k.PublicKey.Crv, X: k.PublicKey.X, Y: k.PublicKey.Y},
			KeyID:     k.KeyID,
			ExpiresAt: k.ExpiresAt,
		}
	}
	return trustBundleWire{
		TrustDomain:    b.TrustDomain,
		JWTKeys:        keys,
		RefreshHint:    int64(b.RefreshHint / time.Second),
		SequenceNumber: b.SequenceNumber,
	}
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

// handleFetchSVIDs implements the plain request/response half of §4.11.
func (h *Handlers) handleFetchSVIDs(w http.ResponseWriter, r *http.Request) {
	creds, ok := peerCredsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Internal.New("workloadapi: no peer credentials on connection"))
		return
	}

	var req fetchSVIDsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
			return
		}
	}

	selectors, err := h.attestor.Attest(r.Context(), creds.PID)
	if err != nil {
		writeError(w, err)
		return
	}

	matches := h.matchEntries(selectors)
	if len(matches) == 0 {
		writeError(w, apperrors.NotFound.New("no workload entry matches pid %d", creds.PID))
		return
	}

	svids, err := h.mintAll(r.Context(), matches, req.Audiences)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fetchSVIDsResponse{
		SVIDs:  svids,
		Bundle: toTrustBundleWire(h.entries.CurrentTrustBundle()),
	})
}

// Serve runs the HTTP/WebSocket server over listener until ctx is
// canceled, then shuts it down, giving in-flight requests up to five
// seconds; it does not coordinate its stop with AgentCore's. listener is
// typically a net.Listener bound to the fixed UDS path
// /run/iotedge/sockets/workload.sock.
func (h *Handlers) Serve(ctx context.Context, listener net.Listener) error {
	r := chi.NewRouter()
	r.Get("/svids", h.handleFetchSVIDs)
	r.Post("/svids", h.handleFetchSVIDs)
	r.Get("/svids/stream", h.handleStream)

	srv := &http.Server{
		Handler:     r,
		ConnContext: connContext,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("workloadapi: shutdown: %v", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
