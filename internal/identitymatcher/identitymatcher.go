// Package identitymatcher selects which registration entries apply to an
// attested node or workload (spec §4.6). A selector set matches an entry
// when the entry's selectors are a subset of what was presented — an
// entry can require less than the full attested set but never more.
package identitymatcher

import (
	"sort"

	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// Matcher holds no state; every call is a pure function of its arguments.
type Matcher struct{}

// New constructs a Matcher.
func New() Matcher { return Matcher{} }

// MatchByParent returns every entry whose ParentID equals parentID and
// whose selectors are satisfied by presented, most specific (most
// selectors) first and, among equally-specific entries, ascending by id, so
// the order is deterministic (spec §4.6).
func (Matcher) MatchByParent(entries []model.RegistrationEntry, parentID string, presented []string) []model.RegistrationEntry {
	presentedSet := model.ToSet(presented)

	var out []model.RegistrationEntry
	for _, e := range entries {
		if e.ParentID != parentID {
			continue
		}
		if model.SelectorSet(e.Selectors).SubsetOf(presentedSet) {
			out = append(out, e)
		}
	}
	sortByIDThenSpecificity(out)
	return out
}

// Best returns the single most specific match from MatchByParent's result:
// the entry with the most selectors, ties broken by the lexicographically
// smallest id.
func (Matcher) Best(entries []model.RegistrationEntry, parentID string, presented []string) (model.RegistrationEntry, bool) {
	matches := Matcher{}.MatchByParent(entries, parentID, presented)
	if len(matches) == 0 {
		return model.RegistrationEntry{}, false
	}
	return matches[0], true
}

// Unique returns the sole matching entry, failing if none match or if more
// than one entry ties at the top specificity tier. The NodeAttestorServer
// state table (spec §4.7) requires ambiguous attestation to be rejected
// rather than silently resolved to one candidate, unlike Best's general
// §4.6 tie-break rule.
func (Matcher) Unique(entries []model.RegistrationEntry, parentID string, presented []string) (model.RegistrationEntry, bool) {
	matches := Matcher{}.MatchByParent(entries, parentID, presented)
	if len(matches) == 0 {
		return model.RegistrationEntry{}, false
	}
	if len(matches) > 1 && len(matches[0].Selectors) == len(matches[1].Selectors) {
		return model.RegistrationEntry{}, false
	}
	return matches[0], true
}

// sortByIDThenSpecificity orders the most specific (most selectors) entries
// first; among entries of equal specificity, orders by id ascending.
func sortByIDThenSpecificity(entries []model.RegistrationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		si, sj := len(entries[i].Selectors), len(entries[j].Selectors)
		if si != sj {
			return si > sj
		}
		return entries[i].ID < entries[j].ID
	})
}
