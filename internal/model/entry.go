package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// OtherIdentity is a tagged external identity binding carried on an entry.
// The only populated variant today is IOTHUB, per spec §3.
type OtherIdentity struct {
	Kind           string `json:"kind"` // "IOTHUB"
	IoTHubHostname string `json:"iot_hub_hostname,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	ModuleID       string `json:"module_id,omitempty"`
}

// wireForm renders a canonical string used only for entry-id hashing; it is
// not the wire format exchanged with clients.
func (o OtherIdentity) wireForm() string {
	return strings.Join([]string{o.Kind, o.IoTHubHostname, o.DeviceID, o.ModuleID}, "\x1f")
}

// RegistrationEntry is the unit of desired identity (spec §3).
type RegistrationEntry struct {
	ID             string          `json:"id"`
	SpiffeIDPath   string          `json:"spiffe_id_path"`
	ParentID       string          `json:"parent_id,omitempty"`
	Selectors      SelectorSet     `json:"selectors"`
	SelectorKind   SelectorKind    `json:"selector_kind"`
	TTLSeconds     int64           `json:"ttl"`
	Admin          bool            `json:"admin"`
	ExpiresAt      int64           `json:"expires_at"` // unix seconds; 0 = never
	DNSNames       []string        `json:"dns_names,omitempty"`
	RevisionNumber int64           `json:"revision_number"`
	StoreSVID      bool            `json:"store_svid"`
	OtherIdentities []OtherIdentity `json:"other_identities,omitempty"`
}

// ComputeID derives the stable content-hash id for an entry, per spec §9:
// "a content hash computed deterministically from (spiffe_id_path,
// parent_id, sorted selectors, other_identities)". Two replicas computing
// the same entry always produce the same id.
func ComputeID(spiffeIDPath, parentID string, selectors []string, others []OtherIdentity) string {
	sortedSelectors := append([]string(nil), selectors...)
	sort.Strings(sortedSelectors)

	otherForms := make([]string, len(others))
	for i, o := range others {
		otherForms[i] = o.wireForm()
	}
	sort.Strings(otherForms)

	h := sha256.New()
	h.Write([]byte(spiffeIDPath))
	h.Write([]byte{0})
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sortedSelectors, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(otherForms, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// WithComputedID returns a copy of e with ID set from ComputeID. Callers
// use this on create so that two replicas submitting the same semantic
// entry converge on the same id without coordination.
func (e RegistrationEntry) WithComputedID() RegistrationEntry {
	e.ID = ComputeID(e.SpiffeIDPath, e.ParentID, e.Selectors, e.OtherIdentities)
	return e
}
