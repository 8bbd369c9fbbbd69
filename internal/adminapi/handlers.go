// Package adminapi implements the Identity-Manager-facing entry CRUD and
// configuration endpoints (spec §4.9): reached only on the admin Unix
// socket, with no further authorization layered on top of that boundary.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// maxSelectListIDs bounds POST /select-listEntries (spec §9's Open
// Question: the source leaves this endpoint's size unbounded; this
// implementation caps it and reports INVALID_ARGUMENT on overflow).
const maxSelectListIDs = 256

const defaultPageSize = 100

// knownNodeAttestorPlugins and knownWorkloadAttestorPlugins are the plugin
// names this build actually ships (spec §4.7, §4.11); POST /configuration
// rejects anything else rather than silently accepting a name nothing can
// serve.
var (
	knownNodeAttestorPlugins     = map[string]struct{}{"psat": {}}
	knownWorkloadAttestorPlugins = map[string]struct{}{"k8s": {}}
)

// Configuration is the mutable runtime selection POST /configuration
// writes. AdminApi only records it and exposes it through
// CurrentConfiguration; cmd/server does not read it, and the plugins it
// wires in at startup come from its own configuration file and environment.
type Configuration struct {
	TrustDomain            string
	NodeAttestorPlugin     string
	WorkloadAttestorPlugin string
}

// Handlers holds the state AdminApi's endpoints operate on.
type Handlers struct {
	entries catalog.EntryStore
	config  *configStore
}

// NewHandlers constructs Handlers.
func NewHandlers(entries catalog.EntryStore) *Handlers {
	return &Handlers{entries: entries, config: &configStore{}}
}

// CurrentConfiguration returns the last configuration POSTed, or the zero
// value if none has been.
func (h *Handlers) CurrentConfiguration() Configuration {
	return h.config.get()
}

func toEntryWire(e model.RegistrationEntry) entryWire {
	others := make([]otherIdentityWire, len(e.OtherIdentities))
	for i, o := range e.OtherIdentities {
		others[i] = otherIdentityWire{
			Kind:           o.Kind,
			IoTHubHostname: o.IoTHubHostname,
			DeviceID:       o.DeviceID,
			ModuleID:       o.ModuleID,
		}
	}
	return entryWire{
		ID:              e.ID,
		SpiffeIDPath:    e.SpiffeIDPath,
		ParentID:        e.ParentID,
		Selectors:       []string(e.Selectors),
		SelectorKind:    string(e.SelectorKind),
		TTL:             e.TTLSeconds,
		Admin:           e.Admin,
		ExpiresAt:       e.ExpiresAt,
		DNSNames:        e.DNSNames,
		RevisionNumber:  e.RevisionNumber,
		StoreSVID:       e.StoreSVID,
		OtherIdentities: others,
	}
}

func fromEntryWire(w entryWire) model.RegistrationEntry {
	others := make([]model.OtherIdentity, len(w.OtherIdentities))
	for i, o := range w.OtherIdentities {
		others[i] = model.OtherIdentity{
			Kind:           o.Kind,
			IoTHubHostname: o.IoTHubHostname,
			DeviceID:       o.DeviceID,
			ModuleID:       o.ModuleID,
		}
	}
	return model.RegistrationEntry{
		ID:              w.ID,
		SpiffeIDPath:    w.SpiffeIDPath,
		ParentID:        w.ParentID,
		Selectors:       model.SelectorSet(w.Selectors),
		SelectorKind:    model.SelectorKind(w.SelectorKind),
		TTLSeconds:      w.TTL,
		Admin:           w.Admin,
		ExpiresAt:       w.ExpiresAt,
		DNSNames:        w.DNSNames,
		RevisionNumber:  w.RevisionNumber,
		StoreSVID:       w.StoreSVID,
		OtherIdentities: others,
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{apperrors.Code(err), err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toResults(results []catalog.EntryResult) []batchResultWire {
	out := make([]batchResultWire, len(results))
	for i, r := range results {
		out[i] = batchResultWire{ID: r.ID, Status: apperrors.Code(r.Err)}
	}
	return out
}

// handleListEntries implements GET /entries (spec §6): paginated listing.
func (h *Handlers) handleListEntries(w http.ResponseWriter, r *http.Request) {
	pageToken := r.URL.Query().Get("page_token")
	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			pageSize = n
		}
	}

	entries, next, err := h.entries.ListAll(r.Context(), pageToken, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	wire := make([]entryWire, len(entries))
	for i, e := range entries {
		wire[i] = toEntryWire(e)
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{Entries: wire, PageToken: next})
}

// handleCreateEntries implements POST /entries (spec §6, §7).
func (h *Handlers) handleCreateEntries(w http.ResponseWriter, r *http.Request) {
	var req createEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}

	entries := make([]model.RegistrationEntry, len(req.Entries))
	for i, w := range req.Entries {
		// Ids are a content hash of the entry's identity-defining fields
		// (spec §9), not caller-supplied, so two replicas submitting the
		// same semantic entry always converge on one id.
		entries[i] = fromEntryWire(w).WithComputedID()
	}

	results, err := h.entries.BatchCreate(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResultsResponse{Results: toResults(results)})
}

// handleUpdateEntries implements PUT /entries (spec §6). Each entry
// replaces the stored entry with the same id; revision_number is stored as
// sent and is not compared with the stored entry's value.
func (h *Handlers) handleUpdateEntries(w http.ResponseWriter, r *http.Request) {
	var req createEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}

	entries := make([]model.RegistrationEntry, len(req.Entries))
	for i, w := range req.Entries {
		entries[i] = fromEntryWire(w)
	}

	results, err := h.entries.BatchUpdate(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResultsResponse{Results: toResults(results)})
}

// handleDeleteEntries implements DELETE /entries (spec §6).
func (h *Handlers) handleDeleteEntries(w http.ResponseWriter, r *http.Request) {
	var req deleteEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}

	results, err := h.entries.BatchDelete(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResultsResponse{Results: toResults(results)})
}

// handleSelectListEntries implements POST /select-listEntries (spec §6,
// §9): id lookup, capped at maxSelectListIDs.
func (h *Handlers) handleSelectListEntries(w http.ResponseWriter, r *http.Request) {
	var req selectListEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}
	if len(req.IDs) > maxSelectListIDs {
		writeError(w, apperrors.InvalidArgument.New("select-listEntries accepts at most %d ids, got %d", maxSelectListIDs, len(req.IDs)))
		return
	}

	results, err := h.entries.BatchGet(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}

	var out []entryWire
	for _, res := range results {
		if res.Entry != nil {
			out = append(out, toEntryWire(*res.Entry))
		}
	}
	writeJSON(w, http.StatusOK, selectListEntriesResponse{Entries: out})
}

// handleConfiguration implements POST /configuration (spec §4.9, §6).
func (h *Handlers) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument.New("malformed request body: %v", err))
		return
	}
	if req.TrustDomain == "" {
		writeError(w, apperrors.InvalidArgument.New("trust_domain is required"))
		return
	}
	if _, ok := knownNodeAttestorPlugins[req.NodeAttestorPlugin]; req.NodeAttestorPlugin != "" && !ok {
		writeError(w, apperrors.InvalidArgument.New("unknown node_attestor_plugin %q", req.NodeAttestorPlugin))
		return
	}
	if _, ok := knownWorkloadAttestorPlugins[req.WorkloadAttestorPlugin]; req.WorkloadAttestorPlugin != "" && !ok {
		writeError(w, apperrors.InvalidArgument.New("unknown workload_attestor_plugin %q", req.WorkloadAttestorPlugin))
		return
	}

	h.config.set(Configuration{
		TrustDomain:            req.TrustDomain,
		NodeAttestorPlugin:     req.NodeAttestorPlugin,
		WorkloadAttestorPlugin: req.WorkloadAttestorPlugin,
	})
	w.WriteHeader(http.StatusCreated)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, apperrors.InvalidArgument.New("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, apperrors.InvalidArgument.New("must be positive: %q", s)
	}
	return n, nil
}
