// Command server runs the Server process: Catalog, KeyStore, KeyManager,
// NodeAttestorServer, ServerApi (TCP), and AdminApi (Unix socket). Bootstrap
// → router → http.Server → signal-based graceful shutdown, the same shape
// as the teacher's cmd/server-spiffe, generalized to this component graph.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/iotedge-spiffe/workload-identity/internal/adminapi"
	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/config"
	"github.com/iotedge-spiffe/workload-identity/internal/keymanager"
	"github.com/iotedge-spiffe/workload-identity/internal/keystore"
	"github.com/iotedge-spiffe/workload-identity/internal/nodeattestor"
	"github.com/iotedge-spiffe/workload-identity/internal/nodeattestor/psat"
	"github.com/iotedge-spiffe/workload-identity/internal/serverapi"
	"github.com/iotedge-spiffe/workload-identity/internal/svidfactory"
	"github.com/iotedge-spiffe/workload-identity/internal/trustbundle"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore, err := openCatalog(cfg)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	defer closeStore()

	keys, err := openKeyStore(cfg)
	if err != nil {
		log.Fatalf("key store: %v", err)
	}

	attestor, err := buildNodeAttestor(cfg)
	if err != nil {
		log.Fatalf("node attestor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyManager := keymanager.New(keys, store, cfg.TrustDomain, cfg.JWT.KeyTTL)
	svids := svidfactory.New(keys, keyManager.ActiveKid, keyManager.ReportKeyUnavailable, cfg.TrustDomain, cfg.JWT.KeyTTL)
	bundles := trustbundle.New(store, cfg.TrustDomain, cfg.TrustBundle.RefreshHint)

	serverHandlers := serverapi.NewHandlers(store, svids, bundles, attestor, cfg.TrustDomain)
	serverRouter, err := serverapi.NewRouter(serverapi.Config{
		TrustDomain:   cfg.TrustDomain,
		AgentAudience: cfg.TrustDomain,
	}, serverHandlers, bundles)
	if err != nil {
		log.Fatalf("serverapi router: %v", err)
	}

	adminHandlers := adminapi.NewHandlers(store)
	adminRouter := adminapi.NewRouter(adminHandlers)

	agentAPIServer := &http.Server{
		Addr:         cfg.ServerAgentAPI.ListenAddr,
		Handler:      serverRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	adminListener, err := listenUnix(cfg.AdminAPI.SocketPath)
	if err != nil {
		log.Fatalf("admin socket: %v", err)
	}
	adminAPIServer := &http.Server{Handler: adminRouter}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := keyManager.Run(ctx); err != nil {
			log.Printf("keymanager: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		log.Printf("server: agent API listening on %s", cfg.ServerAgentAPI.ListenAddr)
		if err := agentAPIServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server: agent API: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		log.Printf("server: admin API listening on %s", cfg.AdminAPI.SocketPath)
		if err := adminAPIServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: admin API: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ctx is already canceled, so KeyManager's Run returns while the two
	// API surfaces drain here; wg.Wait then waits for all three before
	// Catalog/KeyStore go out of scope via the deferred closeStore above.
	if err := agentAPIServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: agent API shutdown: %v", err)
	}
	if err := adminAPIServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: admin API shutdown: %v", err)
	}
	wg.Wait()

	log.Println("server: exited gracefully")
}

func openCatalog(cfg *config.Config) (catalogStore, func(), error) {
	switch cfg.Catalog.Type {
	case "", "memory":
		return catalog.NewMemory(), func() {}, nil
	case "filekv":
		fkv, err := catalog.NewFileKV(cfg.Catalog.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fkv, func() {}, nil
	case "sqlite":
		db, err := catalog.OpenSQLite(cfg.Catalog.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		log.Fatalf("server: unknown catalog.type %q", cfg.Catalog.Type)
		return nil, nil, nil
	}
}

// catalogStore is the union of catalog.EntryStore and catalog.TrustBundleStore
// every backend constructor returns; named locally to keep openCatalog's
// signature readable.
type catalogStore = catalog.Catalog

func openKeyStore(cfg *config.Config) (keystore.KeyStore, error) {
	switch cfg.KeyStore.Backend {
	case "", "memory":
		return keystore.NewMemory(), nil
	case "diskpkcs8":
		return keystore.OpenDiskPKCS8(cfg.KeyStore.Dir)
	default:
		log.Fatalf("server: unknown key-store.backend %q", cfg.KeyStore.Backend)
		return nil, nil
	}
}

func buildNodeAttestor(cfg *config.Config) (nodeattestor.Attestor, error) {
	kcfg, err := rest.InClusterConfig()
	var client kubernetes.Interface
	if err == nil {
		client, err = kubernetes.NewForConfig(kcfg)
		if err != nil {
			return nil, err
		}
	} else {
		// Outside a cluster (local dev, tests driven against a fake
		// client elsewhere) psat.New still works with a nil client for
		// anything that never reaches the Kubernetes API path.
		client = nil
	}

	return psat.New(psat.Config{
		Cluster:                 cfg.NodeAttestation.Cluster,
		Audience:                cfg.NodeAttestation.Audience,
		ServiceAccountAllowList: cfg.NodeAttestation.ServiceAccountAllowList,
		AllowedNodeLabelKeys:    cfg.NodeAttestation.AllowedNodeLabelKeys,
		AllowedPodLabelKeys:     cfg.NodeAttestation.AllowedPodLabelKeys,
		JWKSURL:                 cfg.NodeAttestation.JWKSURL,
		JWKSCacheTTL:            cfg.NodeAttestation.JWKSCacheTTL,
		ReplayTTL:               cfg.NodeAttestation.ReplayTTL,
		Client:                  client,
	}), nil
}

func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}
