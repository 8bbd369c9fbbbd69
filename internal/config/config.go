// Package config loads the control plane's configuration (spec §6): a YAML
// file supplies the base layer, environment variables override individual
// keys on top of it, matching the teacher's env-first LoadConfig but
// layered the way a real deployment config (base file + per-environment
// overrides) is shaped.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

// Config is the fully resolved configuration for either cmd/server or
// cmd/agent; each binary reads the subset it needs.
type Config struct {
	TrustDomain string `yaml:"trust_domain"`
	SocketPath  string `yaml:"socket_path"`

	JWT struct {
		KeyTTL time.Duration `yaml:"key_ttl"`
	} `yaml:"jwt"`

	TrustBundle struct {
		RefreshHint time.Duration `yaml:"refresh_hint"`
	} `yaml:"trust-bundle"`

	KeyStore struct {
		Backend string `yaml:"backend"` // "memory" | "diskpkcs8"
		Dir     string `yaml:"dir"`
	} `yaml:"key-store"`

	Catalog struct {
		Type string `yaml:"type"` // "memory" | "filekv" | "sqlite"
		Dir  string `yaml:"dir"`
		DSN  string `yaml:"dsn"`
	} `yaml:"catalog"`

	ServerAgentAPI struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server-agent-api"`

	AdminAPI struct {
		SocketPath string `yaml:"socket_path"`
	} `yaml:"admin-api"`

	NodeAttestation struct {
		Cluster                 string        `yaml:"cluster_name"`
		Audience                string        `yaml:"audience"`
		ServiceAccountAllowList []string      `yaml:"service_account_allow_list"`
		AllowedNodeLabelKeys    []string      `yaml:"allowed_node_label_keys"`
		AllowedPodLabelKeys     []string      `yaml:"allowed_pod_label_keys"`
		JWKSURL                 string        `yaml:"jwks_url"`
		JWKSCacheTTL            time.Duration `yaml:"jwks_cache_ttl"`
		ReplayTTL               time.Duration `yaml:"replay_ttl"`
	} `yaml:"node-attestation-config"`

	Debug bool `yaml:"debug"`
}

// defaults mirrors the shape production configs in this space carry: a
// trust domain must be set explicitly, everything else has a workable
// default for a single-node deployment.
func defaults() *Config {
	cfg := &Config{
		SocketPath: "/run/workload-identity/agent.sock",
	}
	cfg.JWT.KeyTTL = 24 * time.Hour
	cfg.TrustBundle.RefreshHint = 5 * time.Minute
	cfg.KeyStore.Backend = "memory"
	cfg.Catalog.Type = "memory"
	cfg.ServerAgentAPI.ListenAddr = ":8443"
	cfg.AdminAPI.SocketPath = "/run/workload-identity/admin.sock"
	cfg.NodeAttestation.JWKSCacheTTL = 5 * time.Minute
	cfg.NodeAttestation.ReplayTTL = 10 * time.Minute
	return cfg
}

// Load reads path (if non-empty) as a YAML base layer, then applies
// WORKLOAD_IDENTITY_-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.TrustDomain == "" {
		return nil, apperrors.InvalidArgument.New("trust_domain must be set (config file or WORKLOAD_IDENTITY_TRUST_DOMAIN)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.TrustDomain = getEnv("WORKLOAD_IDENTITY_TRUST_DOMAIN", cfg.TrustDomain)
	cfg.SocketPath = getEnv("WORKLOAD_IDENTITY_SOCKET_PATH", cfg.SocketPath)
	cfg.JWT.KeyTTL = getEnvDuration("WORKLOAD_IDENTITY_JWT_KEY_TTL", cfg.JWT.KeyTTL)
	cfg.TrustBundle.RefreshHint = getEnvDuration("WORKLOAD_IDENTITY_TRUST_BUNDLE_REFRESH_HINT", cfg.TrustBundle.RefreshHint)
	cfg.KeyStore.Backend = getEnv("WORKLOAD_IDENTITY_KEY_STORE_BACKEND", cfg.KeyStore.Backend)
	cfg.KeyStore.Dir = getEnv("WORKLOAD_IDENTITY_KEY_STORE_DIR", cfg.KeyStore.Dir)
	cfg.Catalog.Type = getEnv("WORKLOAD_IDENTITY_CATALOG_TYPE", cfg.Catalog.Type)
	cfg.Catalog.Dir = getEnv("WORKLOAD_IDENTITY_CATALOG_DIR", cfg.Catalog.Dir)
	cfg.Catalog.DSN = getEnv("WORKLOAD_IDENTITY_CATALOG_DSN", cfg.Catalog.DSN)
	cfg.ServerAgentAPI.ListenAddr = getEnv("WORKLOAD_IDENTITY_SERVER_AGENT_API_LISTEN_ADDR", cfg.ServerAgentAPI.ListenAddr)
	cfg.AdminAPI.SocketPath = getEnv("WORKLOAD_IDENTITY_ADMIN_API_SOCKET_PATH", cfg.AdminAPI.SocketPath)
	cfg.NodeAttestation.Cluster = getEnv("WORKLOAD_IDENTITY_NODE_ATTESTATION_CLUSTER", cfg.NodeAttestation.Cluster)
	cfg.NodeAttestation.Audience = getEnv("WORKLOAD_IDENTITY_NODE_ATTESTATION_AUDIENCE", cfg.NodeAttestation.Audience)
	cfg.NodeAttestation.JWKSURL = getEnv("WORKLOAD_IDENTITY_NODE_ATTESTATION_JWKS_URL", cfg.NodeAttestation.JWKSURL)
	cfg.NodeAttestation.JWKSCacheTTL = getEnvDuration("WORKLOAD_IDENTITY_NODE_ATTESTATION_JWKS_CACHE_TTL", cfg.NodeAttestation.JWKSCacheTTL)
	cfg.NodeAttestation.ReplayTTL = getEnvDuration("WORKLOAD_IDENTITY_NODE_ATTESTATION_REPLAY_TTL", cfg.NodeAttestation.ReplayTTL)
	cfg.Debug = getEnvBool("WORKLOAD_IDENTITY_DEBUG", cfg.Debug)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
