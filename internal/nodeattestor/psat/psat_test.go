package psat

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

const testKid = "test-kid"

func newJWKSServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	e := big.NewInt(int64(pub.E)).Bytes()
	doc := jwksDoc{Keys: []jwk{{
		Kty: "RSA",
		Kid: testKid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(e),
	}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signPSAT(t *testing.T, priv *rsa.PrivateKey, namespace, podName, podUID, saName string) string {
	t.Helper()

	claims := k8sClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "system:serviceaccount:" + namespace + ":" + saName,
			Audience:  jwt.ClaimStrings{"workload-identity"},
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	claims.Kubernetes.Namespace = namespace
	claims.Kubernetes.Pod.Name = podName
	claims.Kubernetes.Pod.UID = podUID
	claims.Kubernetes.ServiceAccount.Name = saName

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid

	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func newAttestorWithPod(t *testing.T, cfg Config, namespace, podName, podUID, nodeName string, podLabels, nodeLabels map[string]string) *Attestor {
	t.Helper()

	client := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: podName, Namespace: namespace, UID: types.UID(podUID), Labels: podLabels},
			Spec:       corev1.PodSpec{NodeName: nodeName},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: nodeName, Labels: nodeLabels},
		},
	)
	cfg.Client = client
	if cfg.JWKSCacheTTL == 0 {
		cfg.JWKSCacheTTL = time.Minute
	}
	if cfg.ReplayTTL == 0 {
		cfg.ReplayTTL = time.Minute
	}
	return New(cfg)
}

func TestAttest_SuccessExtractsSelectors(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwks := newJWKSServer(t, &priv.PublicKey)

	a := newAttestorWithPod(t, Config{
		Cluster:              "cluster-1",
		Audience:             "workload-identity",
		JWKSURL:              jwks.URL,
		AllowedPodLabelKeys:  []string{"app"},
		AllowedNodeLabelKeys: []string{"topology.kubernetes.io/zone"},
	}, "default", "agent-pod", "pod-uid-1", "node-1",
		map[string]string{"app": "edge-agent"},
		map[string]string{"topology.kubernetes.io/zone": "us-east-1a"},
	)

	token := signPSAT(t, priv, "default", "agent-pod", "pod-uid-1", "iotedge-agent")
	result, err := a.Attest(context.Background(), []byte(token))
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	want := map[string]bool{
		"CLUSTER:cluster-1":                      false,
		"AGENTSERVICEACCOUNT:iotedge-agent":       false,
		"NODENAME:node-1":                        false,
		"PODLABEL:app:edge-agent":                 false,
		"NODELABEL:topology.kubernetes.io/zone:us-east-1a": false,
	}
	for _, s := range result.Selectors {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for sel, seen := range want {
		if !seen {
			t.Errorf("Attest: missing expected selector %q in %v", sel, result.Selectors)
		}
	}
}

func TestAttest_RejectsReplayedToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwks := newJWKSServer(t, &priv.PublicKey)

	a := newAttestorWithPod(t, Config{Cluster: "cluster-1", Audience: "workload-identity", JWKSURL: jwks.URL},
		"default", "agent-pod", "pod-uid-1", "node-1", nil, nil)

	token := signPSAT(t, priv, "default", "agent-pod", "pod-uid-1", "iotedge-agent")

	if _, err := a.Attest(context.Background(), []byte(token)); err != nil {
		t.Fatalf("first Attest: %v", err)
	}
	if _, err := a.Attest(context.Background(), []byte(token)); !apperrors.AttestationRejected.Has(err) {
		t.Fatalf("replayed Attest: got %v, want AttestationRejected", err)
	}
}

func TestAttest_RejectsWrongAudience(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwks := newJWKSServer(t, &priv.PublicKey)

	a := newAttestorWithPod(t, Config{Cluster: "cluster-1", Audience: "some-other-audience", JWKSURL: jwks.URL},
		"default", "agent-pod", "pod-uid-1", "node-1", nil, nil)

	token := signPSAT(t, priv, "default", "agent-pod", "pod-uid-1", "iotedge-agent")
	if _, err := a.Attest(context.Background(), []byte(token)); !apperrors.AttestationRejected.Has(err) {
		t.Fatalf("Attest: got %v, want AttestationRejected", err)
	}
}

func TestAttest_RejectsServiceAccountNotAllowListed(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwks := newJWKSServer(t, &priv.PublicKey)

	a := newAttestorWithPod(t, Config{
		Cluster:                 "cluster-1",
		Audience:                "workload-identity",
		JWKSURL:                 jwks.URL,
		ServiceAccountAllowList: []string{"system:serviceaccount:default:some-other-account"},
	}, "default", "agent-pod", "pod-uid-1", "node-1", nil, nil)

	token := signPSAT(t, priv, "default", "agent-pod", "pod-uid-1", "iotedge-agent")
	if _, err := a.Attest(context.Background(), []byte(token)); !apperrors.AttestationRejected.Has(err) {
		t.Fatalf("Attest: got %v, want AttestationRejected", err)
	}
}

func TestAttest_RejectsUnparseableToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwks := newJWKSServer(t, &priv.PublicKey)

	a := newAttestorWithPod(t, Config{Cluster: "cluster-1", JWKSURL: jwks.URL},
		"default", "agent-pod", "pod-uid-1", "node-1", nil, nil)

	if _, err := a.Attest(context.Background(), []byte("not-a-jwt")); !apperrors.AttestationRejected.Has(err) {
		t.Fatalf("Attest: got %v, want AttestationRejected", err)
	}
}
