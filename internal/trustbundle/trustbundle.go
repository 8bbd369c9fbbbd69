// Package trustbundle builds the TrustBundle a workload or agent verifies
// SVIDs against (spec §4.4). It holds no state of its own: every call is a
// pure projection over whatever the Catalog currently reports.
package trustbundle

import (
	"context"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// Builder projects a Catalog's JWK set into the wire-shaped TrustBundle.
type Builder struct {
	bundles     catalog.TrustBundleStore
	trustDomain string
	refreshHint time.Duration
}

// New constructs a Builder for a single trust domain.
func New(bundles catalog.TrustBundleStore, trustDomain string, refreshHint time.Duration) *Builder {
	return &Builder{bundles: bundles, trustDomain: trustDomain, refreshHint: refreshHint}
}

// Build returns the current trust bundle, projecting jwt_keys and x509_cas
// per includeJWT/includeX509 (spec §4.4: "(trust_domain, include_jwt,
// include_x509)"; spec §6's `GET /trust-bundle?jwt_keys=bool&x509_cas=bool`).
// SequenceNumber is the Catalog's version counter for the trust domain's JWK
// set, letting callers detect "nothing changed" without comparing full key
// material (spec §4.4, §4.11); it is always reported, independent of the
// filters, since it describes the store snapshot this call read.
func (b *Builder) Build(ctx context.Context, includeJWT, includeX509 bool) (model.TrustBundle, error) {
	jwks, version, err := b.bundles.GetJWKs(ctx, b.trustDomain)
	if err != nil {
		return model.TrustBundle{}, err
	}

	bundle := model.TrustBundle{
		TrustDomain:    b.trustDomain,
		RefreshHint:    int64(b.refreshHint.Seconds()),
		SequenceNumber: version,
	}
	if includeJWT {
		bundle.JWTKeys = jwks
	}
	if includeX509 {
		// Non-goal per spec §1: X.509-SVID minting is not implemented, so
		// there are no CAs to project; the field stays empty.
		bundle.X509CAs = []model.X509CA{}
	}
	return bundle, nil
}
