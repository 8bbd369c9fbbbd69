package serverapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/iotedge-spiffe/workload-identity/internal/httpcore"
	"github.com/iotedge-spiffe/workload-identity/internal/trustbundle"
)

// Config bundles what NewRouter needs beyond Handlers: the trust domain and
// the agent-audience value agent SVIDs must carry to be accepted here.
type Config struct {
	TrustDomain   string
	AgentAudience string
	CORSOrigins   []string
}

// NewRouter mounts ServerApi's three endpoints (spec §6) on a fresh
// httpcore router. /node-attestation is reachable without a bearer SVID
// (it's how an agent gets its first one); the other two require one.
func NewRouter(cfg Config, handlers *Handlers, bundles *trustbundle.Builder) (chi.Router, error) {
	trustDomain, err := spiffeid.TrustDomainFromString(cfg.TrustDomain)
	if err != nil {
		return nil, err
	}

	source := newBundleSource(bundles, trustDomain)
	auth := newAuthenticator(source, cfg.AgentAudience)

	r := httpcore.NewRouter(httpcore.RouterOptions{CORSOrigins: cfg.CORSOrigins})

	r.Post("/node-attestation", handlers.handleNodeAttestation)

	r.Group(func(gr chi.Router) {
		gr.Use(auth.requireAgentSVID)
		gr.Post("/new-JWT-SVID", handlers.handleNewJWTSVID)
		gr.Get("/trust-bundle", handlers.handleTrustBundle)
	})

	return r, nil
}
