// Package ports declares the interfaces the core services depend on but do
// not implement: the CA transport, identity persistence, policy source, and
// observability sinks. Adapters under internal/adapters/ satisfy these.
package ports

import (
	"context"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// CAClient is the minimal {request, renew, revoke} surface from spec §4.1
// and §9 ("Polymorphic CA backend"): deliberately thin so richer CA
// features (ACME, per-provisioner constraints) stay out of the identity
// service.
type CAClient interface {
	// Request signs a fresh CSR for first issuance, authenticated with the
	// configured one-time provisioning bearer token.
	Request(ctx context.Context, req domain.CertificateRequest) (*domain.CertificateBundle, error)

	// Renew re-signs using the current certificate and key for mTLS
	// authentication. Retried by the caller with exponential backoff on
	// transport errors only; CA 4xx rejections are not retried (spec
	// §4.1).
	Renew(ctx context.Context, current *domain.CertificateBundle, currentKey domain.KeyMaterial, req domain.CertificateRequest) (*domain.CertificateBundle, error)

	// Revoke is best-effort; callers surface its failure but do not treat
	// it as blocking.
	Revoke(ctx context.Context, serial string, reason string) error
}
