package identitymatcher

import (
	"testing"

	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

func entries() []model.RegistrationEntry {
	return []model.RegistrationEntry{
		{ID: "b-general", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default"}},
		{ID: "a-specific", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default", "PODLABEL:app:web"}},
		{ID: "c-other-parent", ParentID: "node-2", Selectors: model.SelectorSet{"NS:default"}},
		{ID: "d-unsatisfied", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default", "PODLABEL:app:missing"}},
	}
}

func TestMatchByParent_FiltersByParentAndSelectors(t *testing.T) {
	m := New()
	got := m.MatchByParent(entries(), "node-1", []string{"NS:default", "PODLABEL:app:web"})

	if len(got) != 2 {
		t.Fatalf("MatchByParent: got %d matches, want 2: %+v", len(got), got)
	}
	// Most specific (more selectors) first.
	if got[0].ID != "a-specific" || got[1].ID != "b-general" {
		t.Fatalf("MatchByParent: unexpected order %q, %q", got[0].ID, got[1].ID)
	}
}

func TestMatchByParent_NoMatchReturnsEmpty(t *testing.T) {
	m := New()
	got := m.MatchByParent(entries(), "node-1", []string{"NS:other"})
	if len(got) != 0 {
		t.Fatalf("MatchByParent: got %d matches, want 0", len(got))
	}
}

func TestMatchByParent_Deterministic(t *testing.T) {
	m := New()
	presented := []string{"NS:default", "PODLABEL:app:web"}

	first := m.MatchByParent(entries(), "node-1", presented)
	for i := 0; i < 10; i++ {
		again := m.MatchByParent(entries(), "node-1", presented)
		if len(again) != len(first) {
			t.Fatalf("MatchByParent: match count changed across calls")
		}
		for j := range first {
			if first[j].ID != again[j].ID {
				t.Fatalf("MatchByParent: order changed across calls at index %d: %q != %q", j, first[j].ID, again[j].ID)
			}
		}
	}
}

func TestBest_PicksMostSpecific(t *testing.T) {
	m := New()
	best, ok := m.Best(entries(), "node-1", []string{"NS:default", "PODLABEL:app:web"})
	if !ok {
		t.Fatal("Best: expected a match")
	}
	if best.ID != "a-specific" {
		t.Fatalf("Best: got %q, want %q", best.ID, "a-specific")
	}
}

func TestBest_TiesBreakByLowestID(t *testing.T) {
	tied := []model.RegistrationEntry{
		{ID: "zzz", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default"}},
		{ID: "aaa", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default"}},
	}
	m := New()
	best, ok := m.Best(tied, "node-1", []string{"NS:default"})
	if !ok {
		t.Fatal("Best: expected a match")
	}
	if best.ID != "aaa" {
		t.Fatalf("Best: tie-break got %q, want %q", best.ID, "aaa")
	}
}

func TestBest_NoMatch(t *testing.T) {
	m := New()
	if _, ok := m.Best(entries(), "node-99", []string{"NS:default"}); ok {
		t.Fatal("Best: expected no match for an unknown parent")
	}
}

func TestUnique_PicksSoleMatch(t *testing.T) {
	m := New()
	got, ok := m.Unique(entries(), "node-1", []string{"NS:default", "PODLABEL:app:web"})
	if !ok {
		t.Fatal("Unique: expected a match")
	}
	if got.ID != "a-specific" {
		t.Fatalf("Unique: got %q, want %q", got.ID, "a-specific")
	}
}

func TestUnique_NoMatch(t *testing.T) {
	m := New()
	if _, ok := m.Unique(entries(), "node-99", []string{"NS:default"}); ok {
		t.Fatal("Unique: expected no match for an unknown parent")
	}
}

func TestUnique_AmbiguousTopTierFails(t *testing.T) {
	tied := []model.RegistrationEntry{
		{ID: "zzz", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default"}},
		{ID: "aaa", ParentID: "node-1", Selectors: model.SelectorSet{"NS:default"}},
	}
	m := New()
	if _, ok := m.Unique(tied, "node-1", []string{"NS:default"}); ok {
		t.Fatal("Unique: expected ambiguous top-tier match to fail")
	}
}

func TestUnique_UnambiguousDespiteLowerTierTie(t *testing.T) {
	m := New()
	// "a-specific" is strictly more specific than "b-general" and
	// "e-general", which tie with each other one tier lower; that tie must
	// not affect Unique's outcome.
	withTie := append(entries(), model.RegistrationEntry{ID: "e-general", ParentID: "node-1", Selectors: model.SelectorSet{"PODLABEL:app:web"}})
	got, ok := m.Unique(withTie, "node-1", []string{"NS:default", "PODLABEL:app:web"})
	if !ok {
		t.Fatal("Unique: expected a match")
	}
	if got.ID != "a-specific" {
		t.Fatalf("Unique: got %q, want %q", got.ID, "a-specific")
	}
}
