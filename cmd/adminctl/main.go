// Command adminctl is a CLI client against AdminApi's Unix socket (spec
// §4.9): batch entry CRUD and runtime configuration, for operators and
// scripts — deliberately not the Identity Manager's own IoT-Hub
// reconciliation loop, which stays out of this repo's scope.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

type otherIdentityWire struct {
	Kind           string `json:"kind"`
	IoTHubHostname string `json:"iot_hub_hostname,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	ModuleID       string `json:"module_id,omitempty"`
}

type entryWire struct {
	ID              string              `json:"id,omitempty"`
	SpiffeIDPath    string              `json:"spiffe_id_path"`
	ParentID        string              `json:"parent_id,omitempty"`
	Selectors       []string            `json:"selectors"`
	SelectorKind    string              `json:"selector_kind"`
	TTL             int64               `json:"ttl"`
	Admin           bool                `json:"admin"`
	ExpiresAt       int64               `json:"expires_at"`
	DNSNames        []string            `json:"dns_names,omitempty"`
	RevisionNumber  int64               `json:"revision_number"`
	StoreSVID       bool                `json:"store_svid"`
	OtherIdentities []otherIdentityWire `json:"other_identities,omitempty"`
}

type listEntriesResponse struct {
	Entries   []entryWire `json:"entries"`
	PageToken string      `json:"page_token,omitempty"`
}

type createEntriesRequest struct {
	Entries []entryWire `json:"entries"`
}

type deleteEntriesRequest struct {
	IDs []string `json:"ids"`
}

type batchResultsResponse struct {
	Results []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"results"`
}

type configurationRequest struct {
	TrustDomain            string `json:"trust_domain"`
	NodeAttestorPlugin     string `json:"node_attestor_plugin"`
	WorkloadAttestorPlugin string `json:"workload_attestor_plugin"`
}

type adminClient struct {
	httpClient *http.Client
}

func newAdminClient(socketPath string) *adminClient {
	return &adminClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

func (c *adminClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://admin"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("adminctl: server returned %d: %s", resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func main() {
	socketPath := flag.String("socket", "/run/workload-identity/admin.sock", "path to the admin Unix socket")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatalf("usage: adminctl [-socket path] <list|create|delete|configure> ...")
	}

	client := newAdminClient(*socketPath)

	var err error
	switch args[0] {
	case "list":
		err = runList(client)
	case "create":
		err = runCreate(client, args[1:])
	case "delete":
		err = runDelete(client, args[1:])
	case "configure":
		err = runConfigure(client, args[1:])
	default:
		log.Fatalf("adminctl: unknown subcommand %q", args[0])
	}
	if err != nil {
		log.Fatalf("adminctl: %v", err)
	}
}

func runList(client *adminClient) error {
	token := ""
	for {
		var resp listEntriesResponse
		if err := client.do(http.MethodGet, "/entries?page_token="+token, nil, &resp); err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Printf("%s\t%s\t%v\n", e.ID, e.SpiffeIDPath, e.Selectors)
		}
		if resp.PageToken == "" {
			return nil
		}
		token = resp.PageToken
	}
}

// runCreate reads a JSON array of entries from the named file (or stdin
// when args is empty) and submits them as a single batch.
func runCreate(client *adminClient, args []string) error {
	var data []byte
	var err error
	if len(args) == 0 {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	var entries []entryWire
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	var resp batchResultsResponse
	if err := client.do(http.MethodPost, "/entries", createEntriesRequest{Entries: entries}, &resp); err != nil {
		return err
	}
	for _, r := range resp.Results {
		fmt.Printf("%s\t%s\n", r.ID, r.Status)
	}
	return nil
}

func runDelete(client *adminClient, ids []string) error {
	var resp batchResultsResponse
	if err := client.do(http.MethodDelete, "/entries", deleteEntriesRequest{IDs: ids}, &resp); err != nil {
		return err
	}
	for _, r := range resp.Results {
		fmt.Printf("%s\t%s\n", r.ID, r.Status)
	}
	return nil
}

func runConfigure(client *adminClient, args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	trustDomain := fs.String("trust-domain", "", "trust domain")
	nodeAttestor := fs.String("node-attestor", "", "node attestor plugin name")
	workloadAttestor := fs.String("workload-attestor", "", "workload attestor plugin name")
	_ = fs.Parse(args)

	return client.do(http.MethodPost, "/configuration", configurationRequest{
		TrustDomain:            *trustDomain,
		NodeAttestorPlugin:     *nodeAttestor,
		WorkloadAttestorPlugin: *workloadAttestor,
	}, nil)
}
