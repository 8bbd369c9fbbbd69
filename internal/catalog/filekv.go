package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// entriesDoc is the persisted shape of the entries file (spec §6): a JSON
// object whose entries are sorted ascending by id.
type entriesDoc struct {
	Entries []model.RegistrationEntry `json:"entries"`
}

// jwkDoc is the persisted shape of the JWK file (spec §6): a version
// counter plus a list of single-trust-domain JWK-set objects.
type jwkDoc struct {
	Version int64                        `json:"version"`
	Store   []map[string]jwkDomainEntry `json:"store"`
}

type jwkDomainEntry struct {
	Keys []model.JWK `json:"keys"`
}

// fileState is the immutable in-memory snapshot served to readers between
// writes.
type fileState struct {
	entries map[string]model.RegistrationEntry
	bundles map[string]map[string]model.JWK // trustDomain -> kid -> jwk
	version int64
}

func (s *fileState) clone() *fileState {
	out := &fileState{
		entries: make(map[string]model.RegistrationEntry, len(s.entries)),
		bundles: make(map[string]map[string]model.JWK, len(s.bundles)),
		version: s.version,
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for td, keys := range s.bundles {
		m := make(map[string]model.JWK, len(keys))
		for kid, jwk := range keys {
			m[kid] = jwk
		}
		out.bundles[td] = m
	}
	return out
}

// writeOp is a single mutation submitted to FileKV's writer goroutine.
type writeOp struct {
	apply  func(*fileState) ([]EntryResult, error)
	result chan<- writeResult
}

type writeResult struct {
	entries []EntryResult
	err     error
}

// FileKV is the file-backed key-value Catalog backend (spec §4.1, §6).
// Writes are serialized through a single writer goroutine and persisted
// atomically (write-to-temp, then rename); reads are served from an
// immutable snapshot swapped in after each successful write (spec §5).
type FileKV struct {
	dir      string
	state    atomic.Pointer[fileState]
	writeCh  chan writeOp
	done     chan struct{}
}

// NewFileKV opens (or initializes) a file-backed Catalog rooted at dir.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}

	kv := &FileKV{
		dir:     dir,
		writeCh: make(chan writeOp),
		done:    make(chan struct{}),
	}

	initial, err := kv.load()
	if err != nil {
		return nil, err
	}
	kv.state.Store(initial)

	go kv.run()
	return kv, nil
}

// Close stops the writer goroutine. Safe to call once.
func (kv *FileKV) Close() {
	close(kv.done)
}

func (kv *FileKV) run() {
	for {
		select {
		case <-kv.done:
			return
		case op := <-kv.writeCh:
			next := kv.state.Load().clone()
			results, err := op.apply(next)
			if err == nil {
				if persistErr := kv.persist(next); persistErr != nil {
					err = persistErr
				} else {
					kv.state.Store(next)
				}
			}
			op.result <- writeResult{entries: results, err: err}
		}
	}
}

func (kv *FileKV) submit(apply func(*fileState) ([]EntryResult, error)) ([]EntryResult, error) {
	result := make(chan writeResult, 1)
	kv.writeCh <- writeOp{apply: apply, result: result}
	r := <-result
	return r.entries, r.err
}

func (kv *FileKV) entriesPath() string { return filepath.Join(kv.dir, "entries.json") }
func (kv *FileKV) jwksPath() string    { return filepath.Join(kv.dir, "jwks.json") }

func (kv *FileKV) load() (*fileState, error) {
	state := &fileState{
		entries: make(map[string]model.RegistrationEntry),
		bundles: make(map[string]map[string]model.JWK),
	}

	if data, err := os.ReadFile(kv.entriesPath()); err == nil {
		var doc entriesDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		for _, e := range doc.Entries {
			state.entries[e.ID] = e
		}
	} else if !os.IsNotExist(err) {
		return nil, apperrors.Internal.Wrap(err)
	}

	if data, err := os.ReadFile(kv.jwksPath()); err == nil {
		var doc jwkDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		state.version = doc.Version
		for _, entry := range doc.Store {
			for td, domainEntry := range entry {
				m := make(map[string]model.JWK, len(domainEntry.Keys))
				for _, jwk := range domainEntry.Keys {
					m[jwk.Kid] = jwk
				}
				state.bundles[td] = m
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, apperrors.Internal.Wrap(err)
	}

	return state, nil
}

func (kv *FileKV) persist(s *fileState) error {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]model.RegistrationEntry, len(ids))
	for i, id := range ids {
		entries[i] = s.entries[id]
	}
	if err := writeJSONAtomic(kv.entriesPath(), entriesDoc{Entries: entries}); err != nil {
		return err
	}

	domains := make([]string, 0, len(s.bundles))
	for td := range s.bundles {
		domains = append(domains, td)
	}
	sort.Strings(domains)
	store := make([]map[string]jwkDomainEntry, 0, len(domains))
	for _, td := range domains {
		keys := make([]model.JWK, 0, len(s.bundles[td]))
		for _, jwk := range s.bundles[td] {
			keys = append(keys, jwk)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Kid < keys[j].Kid })
		store = append(store, map[string]jwkDomainEntry{td: {Keys: keys}})
	}
	return writeJSONAtomic(kv.jwksPath(), jwkDoc{Version: s.version, Store: store})
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	return nil
}

func (kv *FileKV) BatchGet(_ context.Context, ids []string) ([]EntryResult, error) {
	s := kv.state.Load()
	out := make([]EntryResult, len(ids))
	for i, id := range ids {
		if e, ok := s.entries[id]; ok {
			ec := e
			out[i] = EntryResult{ID: id, Entry: &ec}
		} else {
			out[i] = EntryResult{ID: id, Err: apperrors.NotFound.New("entry %q not found", id)}
		}
	}
	return out, nil
}

func (kv *FileKV) BatchCreate(_ context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	return kv.submit(func(s *fileState) ([]EntryResult, error) {
		out := make([]EntryResult, len(entries))
		for i, e := range entries {
			if _, exists := s.entries[e.ID]; exists {
				out[i] = EntryResult{ID: e.ID, Err: apperrors.AlreadyExists.New("entry %q already exists", e.ID)}
				continue
			}
			s.entries[e.ID] = e
			ec := e
			out[i] = EntryResult{ID: e.ID, Entry: &ec}
		}
		return out, nil
	})
}

func (kv *FileKV) BatchUpdate(_ context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	return kv.submit(func(s *fileState) ([]EntryResult, error) {
		out := make([]EntryResult, len(entries))
		for i, e := range entries {
			if _, exists := s.entries[e.ID]; !exists {
				out[i] = EntryResult{ID: e.ID, Err: apperrors.NotFound.New("entry %q not found", e.ID)}
				continue
			}
			s.entries[e.ID] = e
			ec := e
			out[i] = EntryResult{ID: e.ID, Entry: &ec}
		}
		return out, nil
	})
}

func (kv *FileKV) BatchDelete(_ context.Context, ids []string) ([]EntryResult, error) {
	return kv.submit(func(s *fileState) ([]EntryResult, error) {
		out := make([]EntryResult, len(ids))
		for i, id := range ids {
			if _, exists := s.entries[id]; !exists {
				out[i] = EntryResult{ID: id, Err: apperrors.NotFound.New("entry %q not found", id)}
				continue
			}
			delete(s.entries, id)
			out[i] = EntryResult{ID: id}
		}
		return out, nil
	})
}

func (kv *FileKV) ListAll(_ context.Context, pageToken string, pageSize int) ([]model.RegistrationEntry, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	s := kv.state.Load()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
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
		out[i] = s.entries[id]
	}

	next := ""
	if len(out) == pageSize && len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (kv *FileKV) GetEntry(_ context.Context, id string) (model.RegistrationEntry, error) {
	s := kv.state.Load()
	e, ok := s.entries[id]
	if !ok {
		return model.RegistrationEntry{}, apperrors.NotFound.New("entry %q not found", id)
	}
	return e, nil
}

func (kv *FileKV) AddJWK(_ context.Context, trustDomain string, jwk model.JWK) error {
	_, err := kv.submit(func(s *fileState) ([]EntryResult, error) {
		m, ok := s.bundles[trustDomain]
		if !ok {
			m = make(map[string]model.JWK)
			s.bundles[trustDomain] = m
		}
		m[jwk.Kid] = jwk
		s.version++
		return nil, nil
	})
	return err
}

func (kv *FileKV) RemoveJWK(_ context.Context, trustDomain string, kid string) error {
	_, err := kv.submit(func(s *fileState) ([]EntryResult, error) {
		m, ok := s.bundles[trustDomain]
		if !ok {
			return nil, apperrors.NotFound.New("jwk %q not found", kid)
		}
		if _, ok := m[kid]; !ok {
			return nil, apperrors.NotFound.New("jwk %q not found", kid)
		}
		delete(m, kid)
		s.version++
		return nil, nil
	})
	return err
}

func (kv *FileKV) GetJWKs(_ context.Context, trustDomain string) ([]model.JWK, int64, error) {
	s := kv.state.Load()
	m, ok := s.bundles[trustDomain]
	if !ok {
		return nil, s.version, nil
	}
	out := make([]model.JWK, 0, len(m))
	for _, jwk := range m {
		out = append(out, jwk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kid < out[j].Kid })
	return out, s.version, nil
}
