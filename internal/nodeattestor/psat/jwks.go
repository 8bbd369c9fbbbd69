package psat

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

// jwk is the wire shape of a single key in the Kubernetes API server's
// service-account issuer JWKS document, mirroring the teacher's crypto.JWK
// shape (RSA or EC fields, whichever is populated).
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// jwksCache fetches a cluster's service-account issuer JWKS over HTTP and
// caches it for cacheTTL, collapsing concurrent misses for the same URL
// into a single request (the teacher's JWKSFetcher pattern, generalized
// with singleflight instead of a bare mutex so a cache-expiry stampede
// under concurrent attestations only fires one HTTP request).
type jwksCache struct {
	httpClient *http.Client
	cacheTTL   time.Duration
	group      singleflight.Group

	mu     sync.RWMutex
	byURL  map[string]cachedJWKS
}

type cachedJWKS struct {
	keys      map[string]interface{} // kid -> *rsa.PublicKey | *ecdsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(cacheTTL time.Duration) *jwksCache {
	return &jwksCache{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   cacheTTL,
		byURL:      make(map[string]cachedJWKS),
	}
}

func (c *jwksCache) keyFor(ctx context.Context, jwksURL, kid string) (interface{}, error) {
	c.mu.RLock()
	entry, ok := c.byURL[jwksURL]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.cacheTTL {
		if key, found := entry.keys[kid]; found {
			return key, nil
		}
	}

	v, err, _ := c.group.Do(jwksURL, func() (interface{}, error) {
		return c.fetch(ctx, jwksURL)
	})
	if err != nil {
		return nil, err
	}
	keys := v.(map[string]interface{})

	key, found := keys[kid]
	if !found {
		return nil, apperrors.AttestationRejected.New("kid %q not present in JWKS at %s", kid, jwksURL)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context, jwksURL string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.AttestationRejected.New("fetching JWKS from %s: %v", jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.AttestationRejected.New("JWKS endpoint %s returned status %d", jwksURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	keys := make(map[string]interface{}, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := toPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.byURL[jwksURL] = cachedJWKS{keys: keys, fetchedAt: time.Now()}
	c.mu.Unlock()

	return keys, nil
}

func toPublicKey(k jwk) (interface{}, error) {
	switch k.Kty {
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := 0
		for _, b := range eBytes {
			e = e*256 + int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, err
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(xBytes), Y: new(big.Int).SetBytes(yBytes)}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
