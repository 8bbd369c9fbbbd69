package agentcore

import (
	"context"
	"log"
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second

	// maxConsecutiveRefreshFailures is spec §4.10's "drop to unattested
	// state and restart the attestation handshake" threshold.
	maxConsecutiveRefreshFailures = 3

	minRefreshMargin = 60 * time.Second
)

// EvidenceSource produces the raw bytes AgentCore presents to the
// node-attestation endpoint, e.g. the contents of a projected Kubernetes
// service-account token file.
type EvidenceSource interface {
	Type() string
	Collect(ctx context.Context) ([]byte, error)
}

// AgentCore owns an Agent process's attestation state (spec §4.10): obtain
// and refresh its own SVID, and keep the trust bundle fresh for the
// WorkloadApi it serves.
type AgentCore struct {
	client      *ServerClient
	evidence    EvidenceSource
	refreshHint time.Duration

	onBundleChange          func(TrustBundle)
	onWorkloadEntriesChange func([]WorkloadEntry)

	svid            SVID
	bundle          TrustBundle
	workloadEntries []WorkloadEntry

	consecutiveFailures int
}

// New constructs an AgentCore. onBundleChange, if non-nil, is invoked
// whenever a freshly-fetched trust bundle's sequence number differs from
// the one last seen, so WorkloadApi's streaming endpoint can re-emit.
// onWorkloadEntriesChange, if non-nil, is invoked after every successful
// attestation with the node's current workload-entry snapshot.
func New(client *ServerClient, evidence EvidenceSource, onBundleChange func(TrustBundle), onWorkloadEntriesChange func([]WorkloadEntry)) *AgentCore {
	return &AgentCore{
		client:                  client,
		evidence:                evidence,
		onBundleChange:          onBundleChange,
		onWorkloadEntriesChange: onWorkloadEntriesChange,
	}
}

// SetRefreshHint overrides the trust-bundle poll interval. Without an
// override, the interval is the refresh_hint carried by the bundle in hand
// when polling starts (the server's own trust-bundle.refresh_hint), or five
// minutes if that is zero.
func (a *AgentCore) SetRefreshHint(d time.Duration) { a.refreshHint = d }

// CurrentSVID returns the agent's most recently issued SVID.
func (a *AgentCore) CurrentSVID() SVID { return a.svid }

// CurrentTrustBundle returns the most recently fetched trust bundle.
func (a *AgentCore) CurrentTrustBundle() TrustBundle { return a.bundle }

// CurrentWorkloadEntries returns the workload entries whose ParentID
// matched this node's own entry as of the last attestation.
func (a *AgentCore) CurrentWorkloadEntries() []WorkloadEntry { return a.workloadEntries }

// Run drives the full attestation → refresh → bundle-fetch lifecycle until
// ctx is canceled. It blocks; callers run it in its own goroutine.
func (a *AgentCore) Run(ctx context.Context) error {
	for {
		if err := a.attestWithBackoff(ctx); err != nil {
			return nil // ctx canceled during backoff
		}

		if err := a.serveUntilReattestNeeded(ctx); err != nil {
			return nil
		}
		// serveUntilReattestNeeded only returns (non-error) when three
		// consecutive refreshes failed; loop back to re-attest.
		log.Printf("agentcore: dropping to unattested state, restarting handshake")
	}
}

// attestWithBackoff retries node attestation with exponential backoff and
// full jitter until it succeeds or ctx is canceled.
func (a *AgentCore) attestWithBackoff(ctx context.Context) error {
	backoff := backoffBase
	for {
		err := a.attestOnce(ctx)
		if err == nil {
			return nil
		}
		log.Printf("agentcore: attestation failed, retrying in %s: %v", backoff, err)

		jittered := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (a *AgentCore) attestOnce(ctx context.Context) error {
	payload, err := a.evidence.Collect(ctx)
	if err != nil {
		return err
	}

	svid, bundle, workloadEntries, err := a.client.Attest(ctx, a.evidence.Type(), payload)
	if err != nil {
		return err
	}

	a.svid = svid
	a.client.SetToken(svid.Token)
	a.setBundle(bundle)
	a.workloadEntries = workloadEntries
	if a.onWorkloadEntriesChange != nil {
		a.onWorkloadEntriesChange(workloadEntries)
	}
	a.consecutiveFailures = 0
	log.Printf("agentcore: attested as %s, SVID valid until %s", svid.SpiffeID, svid.ExpiresAt)
	return nil
}

// serveUntilReattestNeeded runs the refresh and bundle-fetch timers. It
// returns ctx.Err() when ctx is canceled and nil when three consecutive SVID
// refreshes have failed; Run treats a non-nil result as shutdown.
func (a *AgentCore) serveUntilReattestNeeded(ctx context.Context) error {
	refreshTimer := time.NewTimer(a.nextRefreshDelay())
	defer refreshTimer.Stop()

	bundleHint := a.refreshHint
	if bundleHint == 0 {
		bundleHint = a.bundle.RefreshHint
	}
	if bundleHint == 0 {
		bundleHint = 5 * time.Minute
	}
	bundleTimer := time.NewTimer(bundleHint)
	defer bundleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-refreshTimer.C:
			if err := a.attestOnce(ctx); err != nil {
				a.consecutiveFailures++
				log.Printf("agentcore: SVID refresh failed (%d/%d): %v", a.consecutiveFailures, maxConsecutiveRefreshFailures, err)
				if a.consecutiveFailures >= maxConsecutiveRefreshFailures {
					return nil
				}
				refreshTimer.Reset(backoffBase)
				continue
			}
			refreshTimer.Reset(a.nextRefreshDelay())

		case <-bundleTimer.C:
			if err := a.refreshBundle(ctx); err != nil {
				log.Printf("agentcore: trust bundle refresh failed: %v", err)
			}
			bundleTimer.Reset(bundleHint)
		}
	}
}

func (a *AgentCore) refreshBundle(ctx context.Context) error {
	bundle, err := a.client.TrustBundle(ctx)
	if err != nil {
		return err
	}
	a.setBundle(bundle)
	return nil
}

func (a *AgentCore) setBundle(bundle TrustBundle) {
	changed := bundle.SequenceNumber != a.bundle.SequenceNumber
	a.bundle = bundle
	if changed && a.onBundleChange != nil {
		a.onBundleChange(bundle)
	}
}

// nextRefreshDelay implements spec §4.10's "exp - max(60s, 0.1*ttl)".
func (a *AgentCore) nextRefreshDelay() time.Duration {
	ttl := a.svid.ExpiresAt.Sub(a.svid.IssuedAt)
	margin := time.Duration(float64(ttl) * 0.1)
	if margin < minRefreshMargin {
		margin = minRefreshMargin
	}
	delay := time.Until(a.svid.ExpiresAt.Add(-margin))
	if delay < 0 {
		delay = 0
	}
	return delay
}
