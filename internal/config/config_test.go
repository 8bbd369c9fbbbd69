package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

func TestLoad_RequiresTrustDomain(t *testing.T) {
	if _, err := Load(""); !apperrors.InvalidArgument.Has(err) {
		t.Fatalf("Load: got %v, want InvalidArgument", err)
	}
}

func TestLoad_DefaultsAppliedWithoutFile(t *testing.T) {
	t.Setenv("WORKLOAD_IDENTITY_TRUST_DOMAIN", "example.org")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrustDomain != "example.org" {
		t.Fatalf("TrustDomain = %q", cfg.TrustDomain)
	}
	if cfg.Catalog.Type != "memory" || cfg.KeyStore.Backend != "memory" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.JWT.KeyTTL != 24*time.Hour {
		t.Fatalf("JWT.KeyTTL = %v, want 24h default", cfg.JWT.KeyTTL)
	}
}

func TestLoad_FileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "trust_domain: file.example.org\ncatalog:\n  type: filekv\n  dir: /tmp/entries\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrustDomain != "file.example.org" {
		t.Fatalf("TrustDomain = %q, want file value", cfg.TrustDomain)
	}
	if cfg.Catalog.Type != "filekv" {
		t.Fatalf("Catalog.Type = %q, want filekv from file", cfg.Catalog.Type)
	}

	t.Setenv("WORKLOAD_IDENTITY_TRUST_DOMAIN", "env.example.org")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrustDomain != "env.example.org" {
		t.Fatalf("TrustDomain = %q, want env override to win over file", cfg.TrustDomain)
	}
}

func TestLoad_EnvDurationOverride(t *testing.T) {
	t.Setenv("WORKLOAD_IDENTITY_TRUST_DOMAIN", "example.org")
	t.Setenv("WORKLOAD_IDENTITY_JWT_KEY_TTL", "2h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWT.KeyTTL != 2*time.Hour {
		t.Fatalf("JWT.KeyTTL = %v, want 2h", cfg.JWT.KeyTTL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("WORKLOAD_IDENTITY_TRUST_DOMAIN", "example.org")
	if _, err := Load("/nonexistent/path/config.yaml"); !apperrors.Internal.Has(err) {
		t.Fatalf("Load: got %v, want Internal", err)
	}
}
