package keymanager

import (
	"context"
	"testing"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/keystore"
)

// waitFor polls cond every few milliseconds until it returns true or the
// deadline elapses, failing the test in the latter case.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestManager_EnsuresActiveKeyOnStart(t *testing.T) {
	store := keystore.NewMemory()
	bundles := catalog.NewMemory()
	m := New(store, bundles, "example.org", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return m.ActiveKid() != "" })

	jwks, _, err := bundles.GetJWKs(ctx, "example.org")
	if err != nil {
		t.Fatalf("GetJWKs: %v", err)
	}
	if len(jwks) != 1 {
		t.Fatalf("GetJWKs: got %d keys, want 1", len(jwks))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestManager_ReportKeyUnavailableForcesRotation(t *testing.T) {
	store := keystore.NewMemory()
	bundles := catalog.NewMemory()
	m := New(store, bundles, "example.org", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return m.ActiveKid() != "" })

	first := m.ActiveKid()
	m.ReportKeyUnavailable()

	waitFor(t, time.Second, func() bool { return m.ActiveKid() != "" && m.ActiveKid() != first })

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListKeys: got %d keys after forced rotation, want 2 (one retired, one active)", len(keys))
	}
}
