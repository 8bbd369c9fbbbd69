package serverapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"log"
	"math/big"
	"net/http"
	"strings"

	"github.com/spiffe/go-spiffe/v2/bundle/jwtbundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/jwtsvid"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
	"github.com/iotedge-spiffe/workload-identity/internal/trustbundle"
)

// bundleSource adapts trustbundle.Builder into a jwtbundle.Source so
// go-spiffe's jwtsvid.ParseAndValidate can authenticate agent-presented
// JWT-SVIDs without this package touching the token parsing itself.
type bundleSource struct {
	builder     *trustbundle.Builder
	trustDomain spiffeid.TrustDomain
}

func newBundleSource(builder *trustbundle.Builder, trustDomain spiffeid.TrustDomain) *bundleSource {
	return &bundleSource{builder: builder, trustDomain: trustDomain}
}

// GetJWTBundleForTrustDomain satisfies jwtbundle.Source. This control plane
// only ever authenticates its own trust domain's agents; td is accepted but
// not consulted beyond the equality check go-spiffe itself performs.
func (s *bundleSource) GetJWTBundleForTrustDomain(td spiffeid.TrustDomain) (*jwtbundle.Bundle, error) {
	bundle, err := s.builder.Build(context.Background(), true, false)
	if err != nil {
		return nil, err
	}

	out := jwtbundle.New(s.trustDomain)
	for _, jwk := range bundle.JWTKeys {
		pub, err := jwkToECDSA(jwk)
		if err != nil {
			continue
		}
		out.AddJWTAuthority(jwk.Kid, pub)
	}
	return out, nil
}

// jwkToECDSA rebuilds the *ecdsa.PublicKey a model.JWK represents, the
// inverse of keystore's toModelJWK.
func jwkToECDSA(jwk model.JWK) (*ecdsa.PublicKey, error) {
	curve := curveForCrv(jwk.Crv)
	if curve == nil {
		return nil, apperrors.Internal.New("jwk %q: unsupported curve %q", jwk.Kid, jwk.Crv)
	}
	x, err := decodeJWKCoordinate(jwk.X)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	y, err := decodeJWKCoordinate(jwk.Y)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// authenticator validates the bearer JWT-SVID on requests past first
// attestation (spec §4.10: "callers must present a still-valid agent SVID
// except on the initial attestation call").
type authenticator struct {
	source   *bundleSource
	audience string
}

func newAuthenticator(source *bundleSource, audience string) *authenticator {
	return &authenticator{source: source, audience: audience}
}

type agentIdentityKey struct{}

// requireAgentSVID is chi middleware enforcing a valid bearer JWT-SVID,
// stashing the verified SPIFFE ID in the request context for handlers that
// need the caller's identity (spec §4.7's "AwaitingEvidence" path is the
// only one reachable without it, and that path doesn't mount this).
func (a *authenticator) requireAgentSVID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, apperrors.Unauthenticated.New("missing bearer agent SVID"))
			return
		}
		token := strings.TrimPrefix(header, prefix)

		svid, err := jwtsvid.ParseAndValidate(token, a.source, []string{a.audience})
		if err != nil {
			writeError(w, apperrors.Unauthenticated.New("invalid agent SVID: %v", err))
			return
		}

		log.Printf("serverapi: authenticated agent %s", svid.ID)
		ctx := context.WithValue(r.Context(), agentIdentityKey{}, svid.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentIdentityFromContext(ctx context.Context) (spiffeid.ID, bool) {
	id, ok := ctx.Value(agentIdentityKey{}).(spiffeid.ID)
	return id, ok
}

// decodeJWKCoordinate decodes a base64url JWK coordinate into a fixed-width
// big.Int the way crypto/ecdsa expects it, per RFC 7518 §6.2.1.
func decodeJWKCoordinate(s string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func curveForCrv(crv string) elliptic.Curve {
	switch crv {
	case "P-256":
		return elliptic.P256()
	default:
		return nil
	}
}
