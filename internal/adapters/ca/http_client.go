// Package ca implements ports.CAClient as an HTTPS client speaking the
// minimal {sign, renew, revoke} protocol from spec §6.
package ca

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// Config carries the HTTP CA client's static parameters.
type Config struct {
	// BaseURL is the CA's HTTPS endpoint, e.g. "https://ca.internal:8443".
	BaseURL string
	// Root pins the CA's TLS server certificate (spec §4.1: "not the
	// system store").
	Root *x509.CertPool
	// ProvisioningToken authenticates the first /sign call.
	ProvisioningToken string

	MaxRenewAttempts int
	RequestTimeout   time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxRenewAttempts <= 0 {
		c.MaxRenewAttempts = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the production ports.CAClient implementation.
type Client struct {
	cfg        Config
	httpClient *http.Client
	// mtlsClientFor builds a renewal-time *http.Client presenting the
	// given certificate/key pair for mTLS authentication. Nil means no
	// mTLS client is wired, and renew falls back to the base transport —
	// acceptable only in tests against a CA stub that does not enforce
	// client certificates.
	mtlsClientFor func(leaf *domain.CertificateBundle, key domain.KeyMaterial) (*http.Client, error)
}

// NewClient constructs a CA client. The base transport pins cfg.Root.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: cfg.Root, MinVersion: tls.VersionTLS13},
			},
		},
	}
}

// WithMTLSClientFactory wires the per-renewal mTLS client builder. Kept as
// a setter rather than a constructor argument so tests can construct a
// Client without standing up real certificates.
func (c *Client) WithMTLSClientFactory(f func(leaf *domain.CertificateBundle, key domain.KeyMaterial) (*http.Client, error)) *Client {
	c.mtlsClientFor = f
	return c
}

type signRequest struct {
	CSR         string `json:"csr"`
	RequestedSAN string `json:"requested_san"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
}

type signResponse struct {
	PEMChain string `json:"pem_chain"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request implements ports.CAClient.Request (spec §6 POST /sign).
func (c *Client) Request(ctx context.Context, req domain.CertificateRequest) (*domain.CertificateBundle, error) {
	body := signRequest{
		CSR:          base64.StdEncoding.EncodeToString(req.CSRDER),
		RequestedSAN: req.RequestedSpiffeID,
		TTLSeconds:   int64(req.TTLRequested.Seconds()),
	}
	var resp signResponse
	if err := c.doJSON(ctx, c.httpClient, http.MethodPost, "/sign", body, &resp, c.cfg.ProvisioningToken); err != nil {
		return nil, err
	}
	return parsePEMChain(resp.PEMChain)
}

// Renew implements ports.CAClient.Renew (spec §6 POST /renew), authenticated
// via mTLS using the current certificate. Retries with exponential backoff
// on transport errors only; CA 4xx rejections are not retried.
func (c *Client) Renew(ctx context.Context, current *domain.CertificateBundle, currentKey domain.KeyMaterial, req domain.CertificateRequest) (*domain.CertificateBundle, error) {
	client, err := c.clientFor(current, currentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCaUnreachable, err)
	}

	body := signRequest{
		CSR:          base64.StdEncoding.EncodeToString(req.CSRDER),
		RequestedSAN: req.RequestedSpiffeID,
		TTLSeconds:   int64(req.TTLRequested.Seconds()),
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRenewAttempts; attempt++ {
		var resp signResponse
		err := c.doJSON(ctx, client, http.MethodPost, "/renew", body, &resp, "")
		if err == nil {
			return parsePEMChain(resp.PEMChain)
		}
		lastErr = err
		if isRejection(err) {
			return nil, err // not retried, per spec §4.1
		}
		if attempt == c.cfg.MaxRenewAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitteredBackoff(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: renewal exhausted %d attempts: %v", errs.ErrCaUnreachable, c.cfg.MaxRenewAttempts, lastErr)
}

// Revoke implements ports.CAClient.Revoke (spec §6 POST /revoke/{serial}).
// Best-effort: the caller surfaces a non-nil error but does not block on it.
func (c *Client) Revoke(ctx context.Context, serial string, reason string) error {
	body := map[string]string{"reason": reason}
	return c.doJSON(ctx, c.httpClient, http.MethodPost, "/revoke/"+serial, body, nil, "")
}

// DefaultMTLSClientFactory builds the standard renewal-time mTLS client:
// the current leaf/chain presented as the client certificate, verified
// against root by the standard TLS stack. Wired via WithMTLSClientFactory
// by the composition root; kept separate from NewClient so tests can
// substitute a fake without touching real certificates.
func (c *Client) DefaultMTLSClientFactory(cert *domain.CertificateBundle, key domain.KeyMaterial) (*http.Client, error) {
	certDER := [][]byte{cert.Leaf.Raw}
	for _, chainCert := range cert.Chain {
		certDER = append(certDER, chainCert.Raw)
	}
	tlsCert := tls.Certificate{
		Certificate: certDER,
		PrivateKey:  key.Signer,
		Leaf:        cert.Leaf,
	}
	return &http.Client{
		Timeout: c.cfg.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:      c.cfg.Root,
				Certificates: []tls.Certificate{tlsCert},
				MinVersion:   tls.VersionTLS13,
			},
		},
	}, nil
}

func (c *Client) clientFor(cert *domain.CertificateBundle, key domain.KeyMaterial) (*http.Client, error) {
	if c.mtlsClientFor != nil {
		return c.mtlsClientFor(cert, key)
	}
	return c.httpClient, nil
}

func (c *Client) doJSON(ctx context.Context, client *http.Client, method, path string, reqBody, respBody any, bearerToken string) error {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return fmt.Errorf("%w: encoding request: %v", errs.ErrCaMalformed, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCaUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", errs.ErrCaUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", errs.ErrCaMalformed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Message != "" {
			return fmt.Errorf("%w: %s: %s", errs.ErrCaRejected, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%w: unexpected status %d", errs.ErrCaRejected, resp.StatusCode)
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("%w: decoding response: %v", errs.ErrCaMalformed, err)
	}
	return nil
}

func isRejection(err error) bool {
	return err != nil && (errors.Is(err, errs.ErrCaRejected) || errors.Is(err, errs.ErrCaMalformed))
}

func parsePEMChain(pemChain string) (*domain.CertificateBundle, error) {
	rest := []byte(pemChain)
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCaMalformed, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates in CA response", errs.ErrCaMalformed)
	}
	return domain.NewCertificateBundle(certs[0], certs[1:]), nil
}

// jitteredBackoff mirrors services.jitteredBackoff (spec §4.1: initial
// 500ms, cap 30s, +/-20% jitter). Duplicated rather than imported to keep
// the adapter package free of a dependency on internal/core/services.
func jitteredBackoff(attempt int) time.Duration {
	const (
		initial = 500 * time.Millisecond
		cap_    = 30 * time.Second
	)
	backoff := initial * time.Duration(1<<uint(attempt))
	if backoff > cap_ || backoff <= 0 {
		backoff = cap_
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(backoff) * jitter)
}
