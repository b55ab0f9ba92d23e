package domain

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// CertificateBundle is the signed leaf certificate and intermediate chain
// issued by the CA for an Identity, per spec §3.
type CertificateBundle struct {
	Leaf      *x509.Certificate
	Chain     []*x509.Certificate // intermediates, leaf-to-root order
	NotBefore time.Time
	NotAfter  time.Time
	Serial    string
}

// NewCertificateBundle builds a bundle from a parsed leaf certificate,
// deriving NotBefore/NotAfter/Serial from it.
func NewCertificateBundle(leaf *x509.Certificate, chain []*x509.Certificate) *CertificateBundle {
	return &CertificateBundle{
		Leaf:      leaf,
		Chain:     chain,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		Serial:    leaf.SerialNumber.String(),
	}
}

// SpiffeURI returns the single spiffe:// URI found in the leaf's SAN, or an
// error if it is missing or ambiguous (spec §3 invariant: "SAN contains
// exactly one SPIFFE URI").
func (b *CertificateBundle) SpiffeURI() (string, error) {
	var found string
	for _, uri := range b.Leaf.URIs {
		if uri.Scheme != "spiffe" {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("%w: certificate SAN carries more than one spiffe:// URI", errs.ErrSpiffeAmbiguous)
		}
		found = uri.String()
	}
	if found == "" {
		return "", fmt.Errorf("%w: certificate SAN carries no spiffe:// URI", errs.ErrSpiffeMissing)
	}
	// Round-trip through spiffeid to canonicalize, per spec §8 round-trip law.
	id, err := spiffeid.FromString(found)
	if err != nil {
		return "", fmt.Errorf("certificate SAN URI is not a valid SPIFFE ID: %w", err)
	}
	return id.String(), nil
}

// ValidAt reports whether now falls within [NotBefore, NotAfter].
func (b *CertificateBundle) ValidAt(now time.Time) bool {
	return !now.Before(b.NotBefore) && !now.After(b.NotAfter)
}

// ExpiringWithin reports whether the bundle will expire before now+d.
func (b *CertificateBundle) ExpiringWithin(now time.Time, d time.Duration) bool {
	return now.Add(d).After(b.NotAfter)
}

// ValidateIssuedCertificate checks a freshly issued bundle against the
// requested identity and the CA trust anchor, per spec §4.3 step 2: "SAN
// must equal requested SPIFFE ID; not_before <= now <= not_after; chain
// validates against CA root". A nil roots pool skips the chain-trust check
// (shape-only validation); callers that have not yet resolved the
// configured CA root at issuance time rely on the TLS handshake path (C5)
// to enforce chain trust on every subsequent connection instead.
func ValidateIssuedCertificate(bundle *CertificateBundle, requestedSpiffeID string, roots *x509.CertPool, now time.Time) error {
	actual, err := bundle.SpiffeURI()
	if err != nil {
		return err
	}
	if actual != requestedSpiffeID {
		return fmt.Errorf("%w: issued SAN %q does not match requested %q", errs.ErrCertValidation, actual, requestedSpiffeID)
	}
	if !bundle.ValidAt(now) {
		return fmt.Errorf("%w: certificate validity window [%s, %s] does not contain %s",
			errs.ErrCertValidation, bundle.NotBefore, bundle.NotAfter, now)
	}
	if bundle.Leaf.IsCA {
		slog.Warn("issued leaf certificate unexpectedly has CA=true basic constraint", "serial", bundle.Serial)
	}
	if roots == nil {
		return nil
	}

	intermediates := x509.NewCertPool()
	for _, c := range bundle.Chain {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		CurrentTime:   now,
	}
	if _, err := bundle.Leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: chain does not validate against CA root: %v", errs.ErrCertValidation, err)
	}
	return nil
}
