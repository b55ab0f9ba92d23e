package spiffe

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// Verifier implements ports.SpiffeVerifier (C4). Chain signature/expiry/key
// usage validation is handled by the standard TLS verifier (wired via
// tlsconfig in builder.go) before VerifyPeerChain ever runs; this only
// checks the SPIFFE-specific SAN shape and trust-domain allowlist (spec
// §4.4 steps 1-4).
type Verifier struct {
	// TrustedDomains, if non-empty, restricts accepted peers to these
	// trust domains (spec §4.4 step 4). Empty means "any domain the chain
	// validator already trusts", i.e. the single CA-pinned domain.
	TrustedDomains []string
}

// NewVerifier constructs a Verifier with the given trust-domain allowlist.
func NewVerifier(trustedDomains []string) *Verifier {
	return &Verifier{TrustedDomains: trustedDomains}
}

// VerifyPeerChain implements ports.SpiffeVerifier.
func (v *Verifier) VerifyPeerChain(chain []*x509.Certificate) (string, error) {
	if len(chain) == 0 {
		return "", fmt.Errorf("%w: empty peer certificate chain", errs.ErrPeerCertInvalid)
	}
	bundle := domain.NewCertificateBundle(chain[0], chain[1:])

	spiffeURI, err := bundle.SpiffeURI()
	if err != nil {
		return "", err
	}

	trustDomain, path, err := splitSpiffeURI(spiffeURI)
	if err != nil {
		return "", err
	}
	if err := domain.ValidateSpiffePath(path); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrPeerCertInvalid, err)
	}

	if len(v.TrustedDomains) > 0 && !contains(v.TrustedDomains, trustDomain) {
		return "", fmt.Errorf("%w: trust domain %q is not in the configured allowlist", errs.ErrSpiffeUntrustedDomain, trustDomain)
	}

	return spiffeURI, nil
}

func splitSpiffeURI(uri string) (trustDomain, path string, err error) {
	const prefix = "spiffe://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("%w: %q is not a spiffe:// URI", errs.ErrSpiffeMissing, uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	domainPart, pathPart, _ := strings.Cut(rest, "/")
	return strings.ToLower(domainPart), pathPart, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
