package model

import "testing"

func TestComputeID_Deterministic(t *testing.T) {
	others := []OtherIdentity{{Kind: "IOTHUB", DeviceID: "dev-1"}}

	id1 := ComputeID("/agent/edge-1", "", []string{"PSAT:cluster-1"}, others)
	id2 := ComputeID("/agent/edge-1", "", []string{"PSAT:cluster-1"}, others)

	if id1 != id2 {
		t.Fatalf("ComputeID is not deterministic: %q != %q", id1, id2)
	}
}

func TestComputeID_SelectorOrderIndependent(t *testing.T) {
	id1 := ComputeID("/workload/web", "node-1", []string{"PODLABEL:app:web", "NS:default"}, nil)
	id2 := ComputeID("/workload/web", "node-1", []string{"NS:default", "PODLABEL:app:web"}, nil)

	if id1 != id2 {
		t.Fatalf("ComputeID depends on selector order: %q != %q", id1, id2)
	}
}

func TestComputeID_DistinctInputsDiverge(t *testing.T) {
	base := ComputeID("/workload/web", "node-1", []string{"PODLABEL:app:web"}, nil)

	cases := map[string]string{
		"different path":      ComputeID("/workload/api", "node-1", []string{"PODLABEL:app:web"}, nil),
		"different parent":    ComputeID("/workload/web", "node-2", []string{"PODLABEL:app:web"}, nil),
		"different selectors": ComputeID("/workload/web", "node-1", []string{"PODLABEL:app:api"}, nil),
	}
	for name, id := range cases {
		if id == base {
			t.Errorf("%s: expected a distinct id, got the same as base", name)
		}
	}
}

func TestWithComputedID_SetsID(t *testing.T) {
	e := RegistrationEntry{
		SpiffeIDPath: "/workload/web",
		ParentID:     "node-1",
		Selectors:    SelectorSet{"PODLABEL:app:web"},
	}
	got := e.WithComputedID()

	want := ComputeID(e.SpiffeIDPath, e.ParentID, e.Selectors, e.OtherIdentities)
	if got.ID != want {
		t.Fatalf("WithComputedID: got id %q, want %q", got.ID, want)
	}
	if e.ID != "" {
		t.Fatalf("WithComputedID mutated the receiver's copy")
	}
}
