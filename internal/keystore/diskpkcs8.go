package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// DiskPKCS8 persists each key as a PKCS8 PEM file alongside a metadata.json
// index, so a restarted server keeps signing with the same ACTIVE key
// instead of invalidating every outstanding SVID (spec §4.3's rotation
// bookkeeping assumes key identity survives a restart).
type DiskPKCS8 struct {
	mu   sync.Mutex
	dir  string
	keys map[string]*heldKey
}

type diskMetadata struct {
	Keys []model.SigningKeyInfo `json:"keys"`
}

// OpenDiskPKCS8 loads any existing keys under dir, creating it if absent.
func OpenDiskPKCS8(dir string) (*DiskPKCS8, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	ks := &DiskPKCS8{dir: dir, keys: make(map[string]*heldKey)}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (d *DiskPKCS8) metadataPath() string { return filepath.Join(d.dir, "metadata.json") }
func (d *DiskPKCS8) keyPath(kid string) string {
	return filepath.Join(d.dir, kid+".pkcs8.pem")
}

func (d *DiskPKCS8) load() error {
	data, err := os.ReadFile(d.metadataPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}

	var meta diskMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return apperrors.Internal.Wrap(err)
	}

	for _, info := range meta.Keys {
		pemBytes, err := os.ReadFile(d.keyPath(info.Kid))
		if err != nil {
			return apperrors.Internal.Wrap(err)
		}
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return apperrors.Internal.New("corrupt key file for %q", info.Kid)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return apperrors.Internal.Wrap(err)
		}
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return apperrors.Internal.New("key %q is not an ECDSA key", info.Kid)
		}
		d.keys[info.Kid] = &heldKey{priv: priv, info: info}
	}
	return nil
}

// persist must be called with d.mu held.
func (d *DiskPKCS8) persist() error {
	infos := make([]model.SigningKeyInfo, 0, len(d.keys))
	for _, k := range d.keys {
		infos = append(infos, k.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt < infos[j].CreatedAt })

	data, err := json.MarshalIndent(diskMetadata{Keys: infos}, "", "  ")
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	tmp := d.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	return apperrors.Internal.Wrap(os.Rename(tmp, d.metadataPath()))
}

func (d *DiskPKCS8) writeKeyFile(kid string, priv *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	tmp := d.keyPath(kid) + ".tmp"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(block), 0o600); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	return apperrors.Internal.Wrap(os.Rename(tmp, d.keyPath(kid)))
}

func (d *DiskPKCS8) CreateKey(_ context.Context, ttl time.Duration) (model.SigningKeyInfo, error) {
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

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeKeyFile(info.Kid, priv); err != nil {
		return model.SigningKeyInfo{}, err
	}
	d.keys[info.Kid] = &heldKey{priv: priv, info: info}
	if err := d.persist(); err != nil {
		return model.SigningKeyInfo{}, err
	}
	return info, nil
}

func (d *DiskPKCS8) Sign(_ context.Context, kid string, digest []byte) ([]byte, error) {
	d.mu.Lock()
	k, ok := d.keys[kid]
	d.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound.New("key %q not found", kid)
	}
	return signJWS(k.priv, digest)
}

func (d *DiskPKCS8) PublicJWK(_ context.Context, kid string) (model.JWK, error) {
	d.mu.Lock()
	k, ok := d.keys[kid]
	d.mu.Unlock()
	if !ok {
		return model.JWK{}, apperrors.NotFound.New("key %q not found", kid)
	}
	return toModelJWK(kid, &k.priv.PublicKey, k.info.ExpiresAt)
}

func (d *DiskPKCS8) ListKeys(_ context.Context) ([]model.SigningKeyInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.SigningKeyInfo, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (d *DiskPKCS8) MarkRetired(_ context.Context, kid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.keys[kid]
	if !ok {
		return apperrors.NotFound.New("key %q not found", kid)
	}
	k.info.State = model.KeyRetired
	return d.persist()
}

func (d *DiskPKCS8) DeleteKey(_ context.Context, kid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[kid]; !ok {
		return apperrors.NotFound.New("key %q not found", kid)
	}
	delete(d.keys, kid)
	if err := d.persist(); err != nil {
		return err
	}
	return apperrors.Internal.Wrap(os.Remove(d.keyPath(kid)))
}
