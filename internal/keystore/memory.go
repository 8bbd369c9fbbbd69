package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"sort"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

type heldKey struct {
	priv      *ecdsa.PrivateKey
	info      model.SigningKeyInfo
}

// Memory is a process-lifetime KeyStore. Keys are lost on restart, which is
// fine for a catalog.Memory pairing but not for a durable deployment.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*heldKey
}

// NewMemory constructs an empty in-memory KeyStore.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*heldKey)}
}

func (m *Memory) CreateKey(_ context.Context, ttl time.Duration) (model.SigningKeyInfo, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return model.SigningKeyInfo{}, apperrors.Internal.Wrap(err)
	}

	now := time.Now()
	info := model.SigningKeyInfo{
		Kid:       uuid.NewString(),
		State:     model.KeyActive,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	m.mu.Lock()
	m.keys[info.Kid] = &heldKey{priv: priv, info: info}
	m.mu.Unlock()

	return info, nil
}

func (m *Memory) Sign(_ context.Context, kid string, digest []byte) ([]byte, error) {
	m.mu.RLock()
	k, ok := m.keys[kid]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound.New("key %q not found", kid)
	}
	return signJWS(k.priv, digest)
}

func (m *Memory) PublicJWK(_ context.Context, kid string) (model.JWK, error) {
	m.mu.RLock()
	k, ok := m.keys[kid]
	m.mu.RUnlock()
	if !ok {
		return model.JWK{}, apperrors.NotFound.New("key %q not found", kid)
	}
	return toModelJWK(kid, &k.priv.PublicKey, k.info.ExpiresAt)
}

func (m *Memory) ListKeys(_ context.Context) ([]model.SigningKeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.SigningKeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *Memory) MarkRetired(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[kid]
	if !ok {
		return apperrors.NotFound.New("key %q not found", kid)
	}
	k.info.State = model.KeyRetired
	return nil
}

func (m *Memory) DeleteKey(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[kid]; !ok {
		return apperrors.NotFound.New("key %q not found", kid)
	}
	delete(m.keys, kid)
	return nil
}

// signJWS produces the fixed-width r||s signature encoding RFC 7518 §3.4
// requires for ES256, padding each coordinate to the P-256 field width
// rather than the ASN.1 DER encoding ecdsa.SignASN1 would produce.
func signJWS(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	size := (priv.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// toModelJWK encodes an ECDSA public key as a JWK via go-jose, then lifts
// the fields into model.JWK so the rest of the codebase never imports
// go-jose directly.
func toModelJWK(kid string, pub *ecdsa.PublicKey, expiresAt int64) (model.JWK, error) {
	jwk := josejwk.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: "ES256",
		Use:       "sig",
	}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return model.JWK{}, apperrors.Internal.Wrap(err)
	}

	var decoded struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return model.JWK{}, apperrors.Internal.Wrap(err)
	}

	return model.JWK{
		Kty:       decoded.Kty,
		Kid:       kid,
		Crv:       decoded.Crv,
		X:         decoded.X,
		Y:         decoded.Y,
		Use:       "sig",
		ExpiresAt: expiresAt,
	}, nil
}
