package model

import (
	"fmt"
	"sort"
	"strings"
)

// SelectorKind distinguishes selectors that identify a node from selectors
// that identify a workload running on an already-attested node.
type SelectorKind string

const (
	SelectorNode     SelectorKind = "NODE"
	SelectorWorkload SelectorKind = "WORKLOAD"
)

// Selector is a single "TYPE:VALUE" assertion contributed by an attestor
// plugin, e.g. "AGENTSERVICEACCOUNT:iotedge-spiffe-agent" or "PODLABEL:app:web".
type Selector struct {
	Kind   SelectorKind `json:"kind"`
	Plugin string       `json:"plugin"`
	Value  string       `json:"value"`
}

// String returns Value, which holds the selector's whole wire form,
// "TYPE:VALUE".
func (s Selector) String() string {
	return s.Value
}

// SelectorSet is an unordered set of selector wire-form strings, as
// produced by an attestor and as stored on a RegistrationEntry.
type SelectorSet []string

// Sorted returns a sorted copy, used both for deterministic display and as
// input to the entry-id content hash (spec §9).
func (s SelectorSet) Sorted() []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

// SubsetOf reports whether every selector in s also appears in attested.
func (s SelectorSet) SubsetOf(attested map[string]struct{}) bool {
	for _, sel := range s {
		if _, ok := attested[sel]; !ok {
			return false
		}
	}
	return true
}

// ToSet converts a SelectorSet into a lookup set for matching.
func ToSet(selectors []string) map[string]struct{} {
	out := make(map[string]struct{}, len(selectors))
	for _, s := range selectors {
		out[s] = struct{}{}
	}
	return out
}

// ParseSelector splits a "TYPE:VALUE" wire string into its two halves. It
// is permissive about embedded colons in VALUE (e.g. "PODLABEL:app:web"
// keeps "app:web" as the value).
func ParseSelector(wire string) (typ, value string, err error) {
	idx := strings.Index(wire, ":")
	if idx <= 0 || idx == len(wire)-1 {
		return "", "", fmt.Errorf("selector %q is not of the form TYPE:VALUE", wire)
	}
	return wire[:idx], wire[idx+1:], nil
}
