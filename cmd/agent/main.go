// Command agent runs the Agent process: AgentCore drives node attestation
// and SVID/trust-bundle refresh against a Server, while WorkloadApi serves
// local workloads over a Unix domain socket (spec §4.10, §4.11).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/iotedge-spiffe/workload-identity/internal/agentcore"
	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/config"
	"github.com/iotedge-spiffe/workload-identity/internal/workloadapi"
	"github.com/iotedge-spiffe/workload-identity/internal/workloadattestor/k8s"
)

// projectedTokenEvidence collects node-attestation evidence by rereading a
// Kubernetes projected service-account token file on every call, matching
// spec §4.10's "obtain node-attestation evidence from a local collector
// (e.g. read the projected SAT)" — kubelet rotates the file's contents in
// place, so each Collect call naturally returns fresh evidence.
type projectedTokenEvidence struct {
	path string
}

func (e projectedTokenEvidence) Type() string { return "psat" }

func (e projectedTokenEvidence) Collect(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	return data, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	tokenPath := flag.String("token-path", "/var/run/secrets/tokens/workload-identity-token", "projected service-account token path")
	serverURL := flag.String("server-url", "", "base URL of the Server's agent API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *serverURL == "" {
		log.Fatalf("agent: -server-url is required")
	}

	client := agentcore.NewServerClient(*serverURL, 0)
	evidence := projectedTokenEvidence{path: *tokenPath}

	attestor, err := buildWorkloadAttestor()
	if err != nil {
		log.Fatalf("workload attestor: %v", err)
	}

	var wlHandlers *workloadapi.Handlers
	core := agentcore.New(client, evidence,
		func(b agentcore.TrustBundle) {
			if wlHandlers != nil {
				wlHandlers.OnTrustBundleChanged(b)
			}
		},
		func(entries []agentcore.WorkloadEntry) {
			if wlHandlers != nil {
				wlHandlers.OnWorkloadEntriesChanged(entries)
			}
		},
	)
	wlHandlers = workloadapi.NewHandlers(core, client, attestor, cfg.TrustDomain)

	listener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		log.Fatalf("agent: workload socket: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		log.Printf("agent: workload API listening on %s", cfg.SocketPath)
		done <- wlHandlers.Serve(ctx, listener)
	}()

	go func() {
		if err := core.Run(ctx); err != nil {
			log.Printf("agent: agentcore: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("agent: shutting down")
	// Serve and core.Run both watch ctx and stop on the same cancellation;
	// only the workload API, which drains on its own, is waited for here.
	if err := <-done; err != nil {
		log.Printf("agent: workload API: %v", err)
	}
	log.Println("agent: exited gracefully")
}

func buildWorkloadAttestor() (*k8s.Attestor, error) {
	kcfg, err := rest.InClusterConfig()
	if err != nil {
		return k8s.New(nil, ""), nil
	}
	client, err := kubernetes.NewForConfig(kcfg)
	if err != nil {
		return nil, err
	}
	return k8s.New(client, ""), nil
}

func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}
