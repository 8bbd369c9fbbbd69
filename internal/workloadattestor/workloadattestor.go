// Package workloadattestor defines the interface WorkloadApi uses to turn
// a connecting process's credentials into selectors (spec §4.11). The k8s
// subpackage is the one implementation shipped here.
package workloadattestor

import "context"

// Attestor extracts selectors for the process identified by pid.
type Attestor interface {
	Attest(ctx context.Context, pid int) ([]string, error)
}
