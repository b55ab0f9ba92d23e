package spiffe

import (
	"crypto/x509"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/x509bundle"
)

// BundleSource adapts a single configured CA root pool (spec §4.1: "the
// CA's root is pinned through a configured trust anchor, not the system
// store") into go-spiffe's x509bundle.Source, scoped to one trust domain.
type BundleSource struct {
	trustDomain spiffeid.TrustDomain
	bundle      *x509bundle.Bundle
}

// NewBundleSource builds a BundleSource for trustDomain from the given CA
// root certificates.
func NewBundleSource(trustDomain string, roots []*x509.Certificate) (*BundleSource, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	bundle := x509bundle.New(td)
	for _, cert := range roots {
		bundle.AddX509Authority(cert)
	}
	return &BundleSource{trustDomain: td, bundle: bundle}, nil
}

// GetX509BundleForTrustDomain implements x509bundle.Source. This sidecar
// trusts exactly one CA and therefore one trust domain; a mismatched
// request is the SpiffeUntrustedDomain case from spec §4.4.
func (s *BundleSource) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*x509bundle.Bundle, error) {
	if td != s.trustDomain {
		return nil, fmt.Errorf("no bundle configured for trust domain %q", td)
	}
	return s.bundle, nil
}
