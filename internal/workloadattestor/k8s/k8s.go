// Package k8s attests a workload by mapping its PID to the pod that
// contains it, via the process's cgroup membership, then asking the
// Kubernetes API for that pod's labels, service account, and name (spec
// §4.11).
package k8s

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

// podUIDPattern matches the pod UID embedded in a cgroup path under either
// the systemd or cgroupfs driver, e.g.
// "kubepods-burstable-pod5e4b5d2c_3f1a_4a3e_9b1a_2b6b3c4d5e6f.slice" or
// "/kubepods/burstable/pod5e4b5d2c-3f1a-4a3e-9b1a-2b6b3c4d5e6f/...".
var podUIDPattern = regexp.MustCompile(`pod([0-9a-f]{8}[_-][0-9a-f]{4}[_-][0-9a-f]{4}[_-][0-9a-f]{4}[_-][0-9a-f]{12})`)

// Attestor implements workloadattestor.Attestor against a live cluster.
type Attestor struct {
	client    kubernetes.Interface
	procRoot  string // normally "/proc"; overridable in tests
}

// New constructs a k8s Attestor. procRoot defaults to "/proc" when empty.
func New(client kubernetes.Interface, procRoot string) *Attestor {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Attestor{client: client, procRoot: procRoot}
}

func (a *Attestor) Attest(ctx context.Context, pid int) ([]string, error) {
	uid, err := a.podUIDForPID(pid)
	if err != nil {
		return nil, err
	}

	pod, err := a.findPodByUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	selectors := []string{
		"PODNAME:" + pod.Name,
		"PODUID:" + string(pod.UID),
		"NAMESPACE:" + pod.Namespace,
		"SERVICEACCOUNT:" + pod.ServiceAccountName,
	}
	for k, v := range pod.Labels {
		selectors = append(selectors, "PODLABEL:"+k+":"+v)
	}
	return selectors, nil
}

func (a *Attestor) podUIDForPID(pid int) (string, error) {
	path := fmt.Sprintf("%s/%d/cgroup", a.procRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.AttestationRejected.New("k8s workload attestor: reading %s: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := podUIDPattern.FindStringSubmatch(scanner.Text()); m != nil {
			return normalizeUID(m[1]), nil
		}
	}
	return "", apperrors.AttestationRejected.New("k8s workload attestor: no pod UID found in cgroup for pid %d", pid)
}

func normalizeUID(raw string) string {
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = raw[i]
		}
	}
	return string(out)
}

// findPodByUID lists pods across all namespaces and matches by UID.
// Production deployments should scope this to a shared informer; a direct
// list is adequate at the request volumes a node-local workload API sees.
func (a *Attestor) findPodByUID(ctx context.Context, uid string) (*podRef, error) {
	pods, err := a.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	for i := range pods.Items {
		p := &pods.Items[i]
		if string(p.UID) == uid {
			return &podRef{
				Name:               p.Name,
				Namespace:          p.Namespace,
				UID:                p.UID,
				Labels:             p.Labels,
				ServiceAccountName: p.Spec.ServiceAccountName,
			}, nil
		}
	}
	return nil, apperrors.AttestationRejected.New("k8s workload attestor: no pod with uid %q", uid)
}

type podRef struct {
	Name               string
	Namespace          string
	UID                types.UID
	Labels             map[string]string
	ServiceAccountName string
}
