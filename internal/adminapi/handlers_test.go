package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handlers) {
	t.Helper()
	h := NewHandlers(catalog.NewMemory())
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, h
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func TestAdminAPI_CreateListUpdateDelete(t *testing.T) {
	srv, _ := newTestServer(t)

	entry := entryWire{
		SpiffeIDPath: "/workload/web",
		Selectors:    []string{"PODLABEL:app:web"},
	}

	var created batchResultsResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/entries", createEntriesRequest{Entries: []entryWire{entry}}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /entries: status %d", resp.StatusCode)
	}
	if len(created.Results) != 1 || created.Results[0].Status != "OK" {
		t.Fatalf("POST /entries: results %+v", created.Results)
	}
	id := created.Results[0].ID

	var listed listEntriesResponse
	resp = doJSON(t, http.MethodGet, srv.URL+"/entries", nil, &listed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /entries: status %d", resp.StatusCode)
	}
	if len(listed.Entries) != 1 || listed.Entries[0].ID != id {
		t.Fatalf("GET /entries: got %+v", listed.Entries)
	}

	updated := listed.Entries[0]
	updated.RevisionNumber = 1
	var updateResult batchResultsResponse
	resp = doJSON(t, http.MethodPut, srv.URL+"/entries", createEntriesRequest{Entries: []entryWire{updated}}, &updateResult)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /entries: status %d", resp.StatusCode)
	}
	if updateResult.Results[0].Status != "OK" {
		t.Fatalf("PUT /entries: status %q", updateResult.Results[0].Status)
	}

	var selected selectListEntriesResponse
	resp = doJSON(t, http.MethodPost, srv.URL+"/select-listEntries", selectListEntriesRequest{IDs: []string{id}}, &selected)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /select-listEntries: status %d", resp.StatusCode)
	}
	if len(selected.Entries) != 1 || selected.Entries[0].RevisionNumber != 1 {
		t.Fatalf("POST /select-listEntries: got %+v", selected.Entries)
	}

	var deleteResult batchResultsResponse
	resp = doJSON(t, http.MethodDelete, srv.URL+"/entries", deleteEntriesRequest{IDs: []string{id}}, &deleteResult)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE /entries: status %d", resp.StatusCode)
	}
	if deleteResult.Results[0].Status != "OK" {
		t.Fatalf("DELETE /entries: status %q", deleteResult.Results[0].Status)
	}

	var afterDelete listEntriesResponse
	doJSON(t, http.MethodGet, srv.URL+"/entries", nil, &afterDelete)
	if len(afterDelete.Entries) != 0 {
		t.Fatalf("GET /entries after delete: got %+v, want empty", afterDelete.Entries)
	}
}

func TestAdminAPI_SelectListEntries_RejectsOverCap(t *testing.T) {
	srv, _ := newTestServer(t)

	ids := make([]string, maxSelectListIDs+1)
	for i := range ids {
		ids[i] = "nonexistent"
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/select-listEntries", selectListEntriesRequest{IDs: ids}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /select-listEntries over cap: status %d, want 400", resp.StatusCode)
	}
}

func TestAdminAPI_Configuration_RejectsUnknownPlugin(t *testing.T) {
	srv, h := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/configuration", configurationRequest{
		TrustDomain:        "example.org",
		NodeAttestorPlugin: "not-a-real-plugin",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /configuration with unknown plugin: status %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/configuration", configurationRequest{
		TrustDomain:            "example.org",
		NodeAttestorPlugin:     "psat",
		WorkloadAttestorPlugin: "k8s",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /configuration: status %d", resp.StatusCode)
	}

	got := h.CurrentConfiguration()
	if got.TrustDomain != "example.org" || got.NodeAttestorPlugin != "psat" {
		t.Fatalf("CurrentConfiguration: got %+v", got)
	}
}

func TestAdminAPI_CreateEntries_DuplicateReportsAlreadyExists(t *testing.T) {
	srv, _ := newTestServer(t)

	entry := entryWire{
		SpiffeIDPath: "/workload/web",
		Selectors:    []string{"PODLABEL:app:web"},
	}

	var first batchResultsResponse
	doJSON(t, http.MethodPost, srv.URL+"/entries", createEntriesRequest{Entries: []entryWire{entry}}, &first)

	entry.ID = first.Results[0].ID
	var second batchResultsResponse
	doJSON(t, http.MethodPost, srv.URL+"/entries", createEntriesRequest{Entries: []entryWire{entry}}, &second)
	if second.Results[0].Status != "ALREADY_EXISTS" {
		t.Fatalf("duplicate create: status %q, want ALREADY_EXISTS", second.Results[0].Status)
	}
}
