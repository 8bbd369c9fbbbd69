// Package catalog persists the registration-entry desired-state and the
// per-trust-domain JWK set, behind a single pluggable capability set (spec
// §4.1). Three backends implement it: memory, filekv, and sqlite; swapping
// between them must not change observable ordering or pagination.
package catalog

import (
	"context"

	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// EntryResult is the per-id outcome of a batch entry operation. Exactly one
// of Entry or Err is set; batch calls never fail as a whole (spec §4.1,
// §7: "batch operations surface errors per-id").
type EntryResult struct {
	ID    string
	Entry *model.RegistrationEntry
	Err   error
}

// EntryStore is the registration-entry half of the Catalog capability set.
type EntryStore interface {
	BatchGet(ctx context.Context, ids []string) ([]EntryResult, error)
	BatchCreate(ctx context.Context, entries []model.RegistrationEntry) ([]EntryResult, error)
	BatchUpdate(ctx context.Context, entries []model.RegistrationEntry) ([]EntryResult, error)
	BatchDelete(ctx context.Context, ids []string) ([]EntryResult, error)

	// ListAll returns a page of entries ordered lexicographically by id,
	// plus a continuation token whenever the page is full (so a listing
	// whose last page is exactly full ends with one empty page). Pagination is
	// stable under concurrent mutation: an entry created after a page is
	// fetched may appear in a later page but never causes duplicates
	// within a single listing pass (spec §4.1).
	ListAll(ctx context.Context, pageToken string, pageSize int) ([]model.RegistrationEntry, string, error)

	GetEntry(ctx context.Context, id string) (model.RegistrationEntry, error)
}

// TrustBundleStore is the JWK half of the Catalog capability set.
type TrustBundleStore interface {
	AddJWK(ctx context.Context, trustDomain string, jwk model.JWK) error
	RemoveJWK(ctx context.Context, trustDomain string, kid string) error
	// GetJWKs returns the current JWK set for trustDomain and the store's
	// version counter, which TrustBundleBuilder uses as sequence_number.
	GetJWKs(ctx context.Context, trustDomain string) ([]model.JWK, int64, error)
}

// Catalog is the full capability set a backend provides.
type Catalog interface {
	EntryStore
	TrustBundleStore
}

// ListAllEntries pages through store.ListAll until exhausted, for callers
// like IdentityMatcher that need the full entry set rather than one page
// of it.
func ListAllEntries(ctx context.Context, store EntryStore, pageSize int) ([]model.RegistrationEntry, error) {
	var out []model.RegistrationEntry
	token := ""
	for {
		page, next, err := store.ListAll(ctx, token, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		token = next
	}
}
