// Package keymanager runs the signing-key rotation lifecycle (spec §4.3):
// ensure an ACTIVE key exists, rotate on a schedule, retire and eventually
// delete old keys, and react immediately when SvidFactory reports a key has
// gone unavailable mid-flight.
package keymanager

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iotedge-spiffe/workload-identity/internal/catalog"
	"github.com/iotedge-spiffe/workload-identity/internal/keystore"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Manager owns the rotation schedule for a single trust domain's signing
// keys.
type Manager struct {
	store       keystore.KeyStore
	bundles     catalog.TrustBundleStore
	trustDomain string
	keyTTL      time.Duration

	rotateNow chan struct{}

	// activeKid is written from the rotation goroutine (Run/rotate) and
	// read concurrently by ActiveKid, called on every SvidFactory.Mint;
	// spec §5: "Key rotation holds a short mutex while swapping the ACTIVE
	// pointer."
	activeKid atomic.Pointer[string]
}

// New constructs a Manager. Call Run to start the rotation loop.
func New(store keystore.KeyStore, bundles catalog.TrustBundleStore, trustDomain string, keyTTL time.Duration) *Manager {
	return &Manager{
		store:       store,
		bundles:     bundles,
		trustDomain: trustDomain,
		keyTTL:      keyTTL,
		rotateNow:   make(chan struct{}, 1),
	}
}

// ActiveKid returns the kid SvidFactory should sign new SVIDs with. Safe to
// call concurrently with Run; returns "" before the first key is minted.
func (m *Manager) ActiveKid() string {
	kid := m.activeKid.Load()
	if kid == nil {
		return ""
	}
	return *kid
}

// setActiveKid atomically swaps the ACTIVE pointer and returns the
// previously active kid, "" if none.
func (m *Manager) setActiveKid(kid string) string {
	previous := m.activeKid.Swap(&kid)
	if previous == nil {
		return ""
	}
	return *previous
}

// ReportKeyUnavailable is called by SvidFactory when a sign attempt fails
// because the key it was given no longer exists in KeyStore (spec §4.5's
// KEY_UNAVAILABLE path). It forces an immediate rotation instead of waiting
// for the next scheduled tick.
func (m *Manager) ReportKeyUnavailable() {
	select {
	case m.rotateNow <- struct{}{}:
	default:
	}
}

// Run drives the rotation loop until ctx is canceled. It blocks, so callers
// run it in its own goroutine.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.ensureActive(ctx); err != nil {
		return err
	}

	period := m.keyTTL / 2
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.rotateNow:
			m.rotateWithBackoff(ctx)
			timer.Reset(period)
		case <-timer.C:
			m.rotateWithBackoff(ctx)
			timer.Reset(period)
		}
	}
}

func (m *Manager) ensureActive(ctx context.Context) error {
	keys, err := m.store.ListKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.State == model.KeyActive {
			m.setActiveKid(k.Kid)
			return nil
		}
	}
	return m.rotate(ctx)
}

// rotateWithBackoff retries rotate with exponential backoff (base 1s, cap
// 60s, full jitter) until it succeeds or ctx is canceled.
func (m *Manager) rotateWithBackoff(ctx context.Context) {
	backoff := backoffBase
	for {
		err := m.rotate(ctx)
		if err == nil {
			return
		}
		log.Printf("keymanager: rotation failed, retrying in %s: %v", backoff, err)

		jittered := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// rotate creates a new ACTIVE key, publishes its public half to the trust
// bundle, retires the previous ACTIVE key, and schedules its eventual
// deletion once it has fully expired.
func (m *Manager) rotate(ctx context.Context) error {
	info, err := m.store.CreateKey(ctx, m.keyTTL)
	if err != nil {
		return err
	}

	jwk, err := m.store.PublicJWK(ctx, info.Kid)
	if err != nil {
		return err
	}
	if err := m.bundles.AddJWK(ctx, m.trustDomain, jwk); err != nil {
		return err
	}

	previous := m.setActiveKid(info.Kid)
	log.Printf("keymanager: rotated to key %s, expires %s", info.Kid, humanize.Time(time.Unix(info.ExpiresAt, 0)))

	if previous != "" {
		if err := m.store.MarkRetired(ctx, previous); err != nil {
			log.Printf("keymanager: failed to mark %s retired: %v", previous, err)
		} else {
			go m.scheduleDeletion(ctx, previous)
		}
	}
	return nil
}

// scheduleDeletion removes a retired key's private material and its JWK
// from the trust bundle once the key's own ExpiresAt (creation time plus
// the key TTL) has passed.
func (m *Manager) scheduleDeletion(ctx context.Context, kid string) {
	keys, err := m.store.ListKeys(ctx)
	if err != nil {
		return
	}
	var expiresAt int64
	found := false
	for _, k := range keys {
		if k.Kid == kid {
			expiresAt = k.ExpiresAt
			found = true
			break
		}
	}
	if !found {
		return
	}

	wait := time.Until(time.Unix(expiresAt, 0))
	if wait < 0 {
		wait = 0
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	if err := m.bundles.RemoveJWK(ctx, m.trustDomain, kid); err != nil {
		log.Printf("keymanager: failed to remove retired jwk %s from bundle: %v", kid, err)
	}
	if err := m.store.DeleteKey(ctx, kid); err != nil {
		log.Printf("keymanager: failed to delete retired key %s: %v", kid, err)
	}
}
