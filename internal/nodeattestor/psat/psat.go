// Package psat implements node attestation via Kubernetes Projected
// Service Account Tokens (spec §4.7): verify the token against the
// cluster's service-account issuer JWKS, reject replays, then use the
// Kubernetes API to resolve the presenting pod's node and the node's
// labels into selectors.
package psat

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/nodeattestor"
)

// k8sClaims is the subset of a Kubernetes projected service-account
// token's claims PSAT needs, per
// https://kubernetes.io/docs/reference/access-authn-authz/service-accounts-admin/#bound-service-account-token-volume
type k8sClaims struct {
	jwt.RegisteredClaims
	Kubernetes struct {
		Namespace string `json:"namespace"`
		Pod       struct {
			Name string `json:"name"`
			UID  string `json:"uid"`
		} `json:"pod"`
		ServiceAccount struct {
			Name string `json:"name"`
			UID  string `json:"uid"`
		} `json:"serviceaccount"`
	} `json:"kubernetes.io"`
}

// Attestor is the psat nodeattestor.Attestor implementation.
type Attestor struct {
	cluster                string
	audience               string
	serviceAccountAllowList map[string]struct{}
	allowedNodeLabelKeys   map[string]struct{}
	allowedPodLabelKeys    map[string]struct{}
	jwksURL                string
	jwks                   *jwksCache
	client                 kubernetes.Interface
	replay                 *lru.LRU[string, struct{}]
}

// Config holds psat's construction parameters (spec §6's
// node-attestation-config.content.* keys).
type Config struct {
	Cluster                 string
	Audience                string
	ServiceAccountAllowList []string
	AllowedNodeLabelKeys    []string
	AllowedPodLabelKeys     []string
	JWKSURL                 string
	JWKSCacheTTL            time.Duration
	ReplayTTL               time.Duration
	Client                  kubernetes.Interface
}

// New constructs a psat Attestor.
func New(cfg Config) *Attestor {
	return &Attestor{
		cluster:                 cfg.Cluster,
		audience:                cfg.Audience,
		serviceAccountAllowList: toSet(cfg.ServiceAccountAllowList),
		allowedNodeLabelKeys:    toSet(cfg.AllowedNodeLabelKeys),
		allowedPodLabelKeys:     toSet(cfg.AllowedPodLabelKeys),
		jwksURL:                 cfg.JWKSURL,
		jwks:                    newJWKSCache(cfg.JWKSCacheTTL),
		client:                  cfg.Client,
		replay:                  lru.NewLRU[string, struct{}](4096, nil, cfg.ReplayTTL),
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

func (a *Attestor) Attest(ctx context.Context, payload []byte) (nodeattestor.AttestationResult, error) {
	var claims k8sClaims
	token, err := jwt.ParseWithClaims(string(payload), &claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		return a.jwks.keyFor(ctx, a.jwksURL, kid)
	})
	if err != nil || !token.Valid {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: token verification failed: %v", err)
	}

	if a.audience != "" && !containsString(claims.RegisteredClaims.Audience, a.audience) {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: token audience does not include %q", a.audience)
	}

	sub := claims.RegisteredClaims.Subject
	if len(a.serviceAccountAllowList) > 0 {
		if _, ok := a.serviceAccountAllowList[sub]; !ok {
			return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: service account %q is not allow-listed", sub)
		}
	}

	jti := claims.Kubernetes.Pod.UID + ":" + claims.RegisteredClaims.ID
	if jti == ":" {
		jti = claims.Kubernetes.Pod.UID
	}
	if _, seen := a.replay.Get(jti); seen {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: token already used (jti %q)", jti)
	}
	a.replay.Add(jti, struct{}{})

	pod, err := a.client.CoreV1().Pods(claims.Kubernetes.Namespace).Get(ctx, claims.Kubernetes.Pod.Name, metav1.GetOptions{})
	if err != nil {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: looking up pod %s/%s: %v", claims.Kubernetes.Namespace, claims.Kubernetes.Pod.Name, err)
	}
	if string(pod.UID) != claims.Kubernetes.Pod.UID {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: pod uid mismatch")
	}
	if pod.Spec.NodeName == "" {
		return nodeattestor.AttestationResult{}, apperrors.AttestationRejected.New("psat: pod %s/%s not yet scheduled", claims.Kubernetes.Namespace, claims.Kubernetes.Pod.Name)
	}

	selectors := []string{
		"CLUSTER:" + a.cluster,
		"AGENTSERVICEACCOUNT:" + claims.Kubernetes.ServiceAccount.Name,
		"NODENAME:" + pod.Spec.NodeName,
	}

	for k, v := range pod.Labels {
		if _, ok := a.allowedPodLabelKeys[k]; ok {
			selectors = append(selectors, "PODLABEL:"+k+":"+v)
		}
	}

	node, err := a.client.CoreV1().Nodes().Get(ctx, pod.Spec.NodeName, metav1.GetOptions{})
	if err == nil {
		for k, v := range node.Labels {
			if _, ok := a.allowedNodeLabelKeys[k]; ok {
				selectors = append(selectors, "NODELABEL:"+k+":"+v)
			}
		}
	}

	return nodeattestor.AttestationResult{
		AgentID:   claims.Kubernetes.Namespace + "/" + pod.Spec.NodeName,
		Selectors: selectors,
	}, nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
