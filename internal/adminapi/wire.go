package adminapi

// Wire shapes for AdminApi (spec §6), mirroring spec §6 and §7's per-id
// batch result envelope.

type otherIdentityWire struct {
	Kind           string `json:"kind"`
	IoTHubHostname string `json:"iot_hub_hostname,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	ModuleID       string `json:"module_id,omitempty"`
}

type entryWire struct {
	ID              string               `json:"id,omitempty"`
	SpiffeIDPath    string               `json:"spiffe_id_path"`
	ParentID        string               `json:"parent_id,omitempty"`
	Selectors       []string             `json:"selectors"`
	SelectorKind    string               `json:"selector_kind"`
	TTL             int64                `json:"ttl"`
	Admin           bool                 `json:"admin"`
	ExpiresAt       int64                `json:"expires_at"`
	DNSNames        []string             `json:"dns_names,omitempty"`
	RevisionNumber  int64                `json:"revision_number"`
	StoreSVID       bool                 `json:"store_svid"`
	OtherIdentities []otherIdentityWire  `json:"other_identities,omitempty"`
}

type listEntriesResponse struct {
	Entries   []entryWire `json:"entries"`
	PageToken string      `json:"page_token,omitempty"`
}

type createEntriesRequest struct {
	Entries []entryWire `json:"entries"`
}

type deleteEntriesRequest struct {
	IDs []string `json:"ids"`
}

type selectListEntriesRequest struct {
	IDs []string `json:"ids"`
}

type selectListEntriesResponse struct {
	Entries []entryWire `json:"entries"`
}

type batchResultWire struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type batchResultsResponse struct {
	Results []batchResultWire `json:"results"`
}

type configurationRequest struct {
	TrustDomain          string `json:"trust_domain"`
	NodeAttestorPlugin   string `json:"node_attestor_plugin"`
	WorkloadAttestorPlugin string `json:"workload_attestor_plugin"`
}
