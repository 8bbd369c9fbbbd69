package trustbundle

import (
	"context"
	"testing"

	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

func TestBuild_ProjectsCatalogState(t *testing.T) {
	store := catalog.NewMemory()
	ctx := context.Background()

	if err := store.AddJWK(ctx, "example.org", model.JWK{Kid: "k1", Kty: "EC"}); err != nil {
		t.Fatalf("AddJWK: %v", err)
	}

	b := New(store, "example.org", 0)
	bundle, err := b.Build(ctx, true, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if bundle.TrustDomain != "example.org" {
		t.Fatalf("Build: TrustDomain = %q", bundle.TrustDomain)
	}
	if len(bundle.JWTKeys) != 1 || bundle.JWTKeys[0].Kid != "k1" {
		t.Fatalf("Build: JWTKeys = %+v", bundle.JWTKeys)
	}
}

func TestBuild_FiltersByIncludeFlags(t *testing.T) {
	store := catalog.NewMemory()
	ctx := context.Background()
	if err := store.AddJWK(ctx, "example.org", model.JWK{Kid: "k1", Kty: "EC"}); err != nil {
		t.Fatalf("AddJWK: %v", err)
	}
	b := New(store, "example.org", 0)

	jwtOnly, err := b.Build(ctx, true, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(jwtOnly.JWTKeys) != 1 {
		t.Fatalf("Build: jwt-only JWTKeys = %+v", jwtOnly.JWTKeys)
	}
	if len(jwtOnly.X509CAs) != 0 {
		t.Fatalf("Build: jwt-only X509CAs = %+v, want none", jwtOnly.X509CAs)
	}

	x509Only, err := b.Build(ctx, false, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(x509Only.JWTKeys) != 0 {
		t.Fatalf("Build: x509-only JWTKeys = %+v, want none", x509Only.JWTKeys)
	}

	neither, err := b.Build(ctx, false, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(neither.JWTKeys) != 0 || len(neither.X509CAs) != 0 {
		t.Fatalf("Build: neither = %+v, want both empty", neither)
	}
}

func TestBuild_SequenceNumberTracksCatalogVersion(t *testing.T) {
	store := catalog.NewMemory()
	ctx := context.Background()
	b := New(store, "example.org", 0)

	first, err := b.Build(ctx, true, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := store.AddJWK(ctx, "example.org", model.JWK{Kid: "k1", Kty: "EC"}); err != nil {
		t.Fatalf("AddJWK: %v", err)
	}
	second, err := b.Build(ctx, true, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if second.SequenceNumber <= first.SequenceNumber {
		t.Fatalf("Build: sequence number did not advance: %d -> %d", first.SequenceNumber, second.SequenceNumber)
	}

	third, err := b.Build(ctx, true, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if third.SequenceNumber != second.SequenceNumber {
		t.Fatalf("Build: sequence number changed with no catalog mutation: %d -> %d", second.SequenceNumber, third.SequenceNumber)
	}
}
