// Package svidfactory mints JWT-SVIDs (spec §4.5). Minting is the one place
// KeyStore's private material is used on the hot path; everything here
// drives that through KeyStore.Sign rather than touching key bytes
// directly.
package svidfactory

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/keystore"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtPayload struct {
	Sub string `json:"sub"`
	Aud []string `json:"aud"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
}

// Factory mints JWT-SVIDs for registration entries against whichever key
// KeyStore currently reports as active.
type Factory struct {
	keys              keystore.KeyStore
	activeKid         func() string
	onKeyUnavailable  func()
	trustDomain       string
	keyTTL            time.Duration
}

// New constructs a Factory. activeKid should read keymanager.Manager's
// current active kid; onKeyUnavailable, if non-nil, is invoked when Sign
// reports the active key no longer exists so the caller can force an
// immediate rotation.
func New(keys keystore.KeyStore, activeKid func() string, onKeyUnavailable func(), trustDomain string, keyTTL time.Duration) *Factory {
	return &Factory{
		keys:             keys,
		activeKid:        activeKid,
		onKeyUnavailable: onKeyUnavailable,
		trustDomain:      trustDomain,
		keyTTL:           keyTTL,
	}
}

// Result is what sign_jwt_svid (spec §4.5) returns.
type Result struct {
	Token      string
	SpiffeID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Mint produces a signed JWT-SVID for entry, scoped to audience. audience
// must be non-empty (spec §4.5).
func (f *Factory) Mint(ctx context.Context, entry model.RegistrationEntry, audience []string) (Result, error) {
	if len(audience) == 0 {
		return Result{}, apperrors.InvalidArgument.New("audiences must be non-empty")
	}

	kid := f.activeKid()
	if kid == "" {
		return Result{}, apperrors.FailedPrecondition.New("NO_ACTIVE_KEY: no active signing key")
	}

	now := time.Now()
	if entry.ExpiresAt != 0 && now.Unix() >= entry.ExpiresAt {
		return Result{}, apperrors.FailedPrecondition.New("ENTRY_EXPIRED: entry %q expired at %d", entry.ID, entry.ExpiresAt)
	}

	effectiveTTL := f.keyTTL
	if entry.TTLSeconds > 0 {
		entryTTL := time.Duration(entry.TTLSeconds) * time.Second
		if entryTTL < effectiveTTL {
			effectiveTTL = entryTTL
		}
	}
	expiresAt := now.Add(effectiveTTL)
	if entry.ExpiresAt != 0 {
		entryExpiry := time.Unix(entry.ExpiresAt, 0)
		if entryExpiry.Before(expiresAt) {
			expiresAt = entryExpiry
		}
	}

	header := jwtHeader{Alg: "ES256", Typ: "JWT", Kid: kid}
	payload := jwtPayload{
		Sub: "spiffe://" + f.trustDomain + "/" + strings.TrimPrefix(entry.SpiffeIDPath, "/"),
		Aud: audience,
		Iat: now.Unix(),
		Exp: expiresAt.Unix(),
		Jti: uuid.NewString(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return Result{}, apperrors.Internal.Wrap(err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Result{}, apperrors.Internal.Wrap(err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))

	sig, err := f.keys.Sign(ctx, kid, digest[:])
	if err != nil {
		if apperrors.NotFound.Has(err) && f.onKeyUnavailable != nil {
			f.onKeyUnavailable()
		}
		return Result{}, apperrors.FailedPrecondition.New("KEY_UNAVAILABLE: %v", err)
	}

	token := signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
	return Result{
		Token:     token,
		SpiffeID:  payload.Sub,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}
