package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// Memory is the in-memory Catalog backend (spec §4.1): a map of entries,
// sorted by id at read time, plus a version counter per trust domain's JWK
// set. Reads take the
// read lock; writes to distinct ids still serialize through the single
// write lock, which is simple and matches "linearize writes to the same
// key" without needing per-key locks at this scale.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]model.RegistrationEntry
	bundles map[string]*versionedJWKs
}

type versionedJWKs struct {
	byKid   map[string]model.JWK
	version int64
}

// NewMemory constructs an empty in-memory Catalog.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]model.RegistrationEntry),
		bundles: make(map[string]*versionedJWKs),
	}
}

func (m *Memory) BatchGet(_ context.Context, ids []string) ([]EntryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]EntryResult, len(ids))
	for i, id := range ids {
		if e, ok := m.entries[id]; ok {
			ec := e
			out[i] = EntryResult{ID: id, Entry: &ec}
		} else {
			out[i] = EntryResult{ID: id, Err: apperrors.NotFound.New("entry %q not found", id)}
		}
	}
	return out, nil
}

func (m *Memory) BatchCreate(_ context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntryResult, len(entries))
	for i, e := range entries {
		if _, exists := m.entries[e.ID]; exists {
			out[i] = EntryResult{ID: e.ID, Err: apperrors.AlreadyExists.New("entry %q already exists", e.ID)}
			continue
		}
		m.entries[e.ID] = e
		ec := e
		out[i] = EntryResult{ID: e.ID, Entry: &ec}
	}
	return out, nil
}

func (m *Memory) BatchUpdate(_ context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntryResult, len(entries))
	for i, e := range entries {
		if _, exists := m.entries[e.ID]; !exists {
			out[i] = EntryResult{ID: e.ID, Err: apperrors.NotFound.New("entry %q not found", e.ID)}
			continue
		}
		m.entries[e.ID] = e
		ec := e
		out[i] = EntryResult{ID: e.ID, Entry: &ec}
	}
	return out, nil
}

func (m *Memory) BatchDelete(_ context.Context, ids []string) ([]EntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntryResult, len(ids))
	for i, id := range ids {
		if _, exists := m.entries[id]; !exists {
			out[i] = EntryResult{ID: id, Err: apperrors.NotFound.New("entry %q not found", id)}
			continue
		}
		delete(m.entries, id)
		out[i] = EntryResult{ID: id}
	}
	return out, nil
}

func (m *Memory) ListAll(_ context.Context, pageToken string, pageSize int) ([]model.RegistrationEntry, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		if pageToken == "" || id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > pageSize {
		ids = ids[:pageSize]
	}

	out := make([]model.RegistrationEntry, len(ids))
	for i, id := range ids {
		out[i] = m.entries[id]
	}

	next := ""
	if len(out) == pageSize && len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) GetEntry(_ context.Context, id string) (model.RegistrationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return model.RegistrationEntry{}, apperrors.NotFound.New("entry %q not found", id)
	}
	return e, nil
}

func (m *Memory) AddJWK(_ context.Context, trustDomain string, jwk model.JWK) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bundleFor(trustDomain)
	b.byKid[jwk.Kid] = jwk
	b.version++
	return nil
}

func (m *Memory) RemoveJWK(_ context.Context, trustDomain string, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bundleFor(trustDomain)
	if _, ok := b.byKid[kid]; !ok {
		return apperrors.NotFound.New("jwk %q not found", kid)
	}
	delete(b.byKid, kid)
	b.version++
	return nil
}

func (m *Memory) GetJWKs(_ context.Context, trustDomain string) ([]model.JWK, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bundles[trustDomain]
	if !ok {
		return nil, 0, nil
	}
	out := make([]model.JWK, 0, len(b.byKid))
	for _, jwk := range b.byKid {
		out = append(out, jwk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kid < out[j].Kid })
	return out, b.version, nil
}

// bundleFor must be called with m.mu held.
func (m *Memory) bundleFor(trustDomain string) *versionedJWKs {
	b, ok := m.bundles[trustDomain]
	if !ok {
		b = &versionedJWKs{byKid: make(map[string]model.JWK)}
		m.bundles[trustDomain] = b
	}
	return b
}
