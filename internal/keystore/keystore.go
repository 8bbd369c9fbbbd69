// Package keystore holds the private signing material behind a narrow
// capability interface (spec §4.2): create, sign, expose the public half as
// a JWK, delete. No caller outside this package ever sees a private key.
package keystore

import (
	"context"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// KeyStore is implemented by memory (process-lifetime) and diskpkcs8
// (survives restarts) backends. Both only ever mint P-256 keys for ES256
// signing; SvidFactory's ES256 header and ServerApi's bundle source (which
// decodes only P-256 JWKs) assume that curve.
type KeyStore interface {
	// CreateKey generates a new key pair and returns its metadata. ttl sets
	// the key's ExpiresAt (also its JWK's expires_at), which KeyManager uses
	// to schedule the key's deletion; the store itself does not enforce it.
	CreateKey(ctx context.Context, ttl time.Duration) (model.SigningKeyInfo, error)

	// Sign computes an ES256 (JWS/RFC 7518) signature over digest — a
	// SHA-256 hash the caller already produced — using the named key. The
	// result is the fixed-width r||s encoding JWT ES256 expects, not ASN.1
	// DER. Returns KEY_UNAVAILABLE-classed errors (apperrors.NotFound) if
	// kid is unknown or was deleted.
	Sign(ctx context.Context, kid string, digest []byte) ([]byte, error)

	// PublicJWK returns the public half of kid in JWK form.
	PublicJWK(ctx context.Context, kid string) (model.JWK, error)

	// ListKeys returns metadata for every key KeyStore currently holds,
	// in creation order, for KeyManager's rotation bookkeeping.
	ListKeys(ctx context.Context) ([]model.SigningKeyInfo, error)

	// MarkRetired flips a key's state without deleting material, so it
	// remains valid for verifying SVIDs issued before rotation.
	MarkRetired(ctx context.Context, kid string) error

	// DeleteKey removes a key's private material permanently.
	DeleteKey(ctx context.Context, kid string) error
}
