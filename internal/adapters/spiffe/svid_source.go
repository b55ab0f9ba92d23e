// Package spiffe adapts the mesh's self-managed identity (C3) and a
// configured trust anchor into the go-spiffe v2 tlsconfig building blocks
// (C4, C5), without depending on a local SPIRE agent workload API socket:
// this sidecar obtains certificates from the CA client, not from SPIRE.
package spiffe

import (
	"crypto/x509"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/x509svid"

	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// SVIDSource adapts ports.ActiveIdentitySource to go-spiffe's x509svid.Source
// interface, re-resolving the active identity on every call so tlsconfig's
// GetCertificate hooks always observe the latest published rotation (spec
// §4.5, §9 copy-on-write publication).
type SVIDSource struct {
	identities ports.ActiveIdentitySource
}

// NewSVIDSource wraps an ActiveIdentitySource.
func NewSVIDSource(identities ports.ActiveIdentitySource) *SVIDSource {
	return &SVIDSource{identities: identities}
}

// GetX509SVID implements x509svid.Source.
func (s *SVIDSource) GetX509SVID() (*x509svid.SVID, error) {
	identity := s.identities.Current()
	if identity == nil || identity.Certificate == nil {
		return nil, fmt.Errorf("no active identity published yet")
	}

	id, err := spiffeid.FromString(identity.SpiffeID())
	if err != nil {
		return nil, fmt.Errorf("active identity has invalid SPIFFE ID: %w", err)
	}

	return &x509svid.SVID{
		ID:           id,
		Certificates: certChain(identity),
		PrivateKey:   identity.Key.Signer,
	}, nil
}

// certChain returns leaf followed by intermediates, the order go-spiffe and
// crypto/tls both expect.
func certChain(identity *domain.Identity) []*x509.Certificate {
	chain := make([]*x509.Certificate, 0, 1+len(identity.Certificate.Chain))
	chain = append(chain, identity.Certificate.Leaf)
	chain = append(chain, identity.Certificate.Chain...)
	return chain
}
