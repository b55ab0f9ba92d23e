package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqsecure/mesh/internal/contract/caclient"
	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// stubCA is a minimal /sign, /renew, /revoke server returning a freshly
// minted leaf certificate carrying the requested spiffe:// URI SAN, so the
// caclient contract suite can exercise *Client against real PEM plumbing
// without a real CA.
type stubCA struct {
	key         *ecdsa.PrivateKey
	rejectSign  bool
	signCalls   int
	renewCalls  int
	revokeCalls int
}

func newStubCA(t *testing.T) *stubCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &stubCA{key: key}
}

func (s *stubCA) mintFor(spiffeID string) (string, error) {
	uri, err := url.Parse(spiffeID)
	if err != nil {
		return "", err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "stub-ca leaf"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		URIs:         []*url.URL{uri},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &s.key.PublicKey, s.key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *stubCA) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sign":
			s.signCalls++
			if s.rejectSign {
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(errorResponse{Code: "rejected", Message: "no thanks"})
				return
			}
			s.reply(w, r)
		case r.URL.Path == "/renew":
			s.renewCalls++
			s.reply(w, r)
		case len(r.URL.Path) >= len("/revoke/") && r.URL.Path[:len("/revoke/")] == "/revoke/":
			s.revokeCalls++
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *stubCA) reply(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	pemChain, err := s.mintFor(req.RequestedSAN)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(signResponse{PEMChain: pemChain})
}

func newTestClient(t *testing.T, stub *stubCA) *Client {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:           server.URL,
		ProvisioningToken: "test-token",
	})
}

func sampleRequest() domain.CertificateRequest {
	return domain.CertificateRequest{
		CSRDER:            []byte("not a real CSR, stub CA ignores this"),
		RequestedSpiffeID: "spiffe://acme.test/ns/prod/sa/web",
		Tenant:            domain.Tenant("acme"),
		Service:           domain.ServiceName("web"),
		TTLRequested:      time.Hour,
	}
}

func TestClient_ContractSuite(t *testing.T) {
	caclient.Run(t, func(t *testing.T) (ports.CAClient, domain.CertificateRequest) {
		return newTestClient(t, newStubCA(t)), sampleRequest()
	})
}

func TestClient_Request_Base64EncodesCSR(t *testing.T) {
	stub := newStubCA(t)
	var gotCSR []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		decoded, err := base64.StdEncoding.DecodeString(req.CSR)
		require.NoError(t, err)
		gotCSR = decoded
		pemChain, err := stub.mintFor(req.RequestedSAN)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(signResponse{PEMChain: pemChain})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, ProvisioningToken: "tok"})
	req := sampleRequest()
	_, err := client.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.CSRDER, gotCSR)
}

func TestClient_Request_RejectionIsNotRetried(t *testing.T) {
	stub := newStubCA(t)
	stub.rejectSign = true
	client := newTestClient(t, stub)

	_, err := client.Request(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCaRejected)
	assert.Equal(t, 1, stub.signCalls)
}

func TestClient_Renew_UsesMTLSFactoryWhenWired(t *testing.T) {
	stub := newStubCA(t)
	client := newTestClient(t, stub)

	var factoryCalls int
	client.WithMTLSClientFactory(func(_ *domain.CertificateBundle, _ domain.KeyMaterial) (*http.Client, error) {
		factoryCalls++
		return http.DefaultClient, nil
	})

	current := &domain.CertificateBundle{NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	_, err := client.Renew(context.Background(), current, domain.KeyMaterial{}, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, factoryCalls)
	assert.Equal(t, 1, stub.renewCalls)
}

func TestClient_Revoke_BestEffort(t *testing.T) {
	stub := newStubCA(t)
	client := newTestClient(t, stub)

	err := client.Revoke(context.Background(), "serial-123", "compromised")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.revokeCalls)
}
