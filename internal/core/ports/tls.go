package ports

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// SpiffeVerifier implements C4: given a verified peer certificate chain, it
// extracts and validates the single SPIFFE URI in the leaf's SAN (spec
// §4.4). Chain validation itself (signature, expiry, key usage) is done by
// the standard TLS verifier before this is invoked; this only handles the
// SPIFFE-specific SAN semantics and trust-domain allowlisting.
type SpiffeVerifier interface {
	VerifyPeerChain(chain []*x509.Certificate) (spiffeID string, err error)
}

// TLSContextBuilder implements C5: produces server and client *tls.Config
// values bound to the currently active identity (spec §4.5). Builders must
// re-resolve the active identity on every call they make internally (via a
// certificate callback), never freeze it into the returned config, so that
// rotation is observed by new handshakes without rebuilding the config.
type TLSContextBuilder interface {
	ServerConfig() (*tls.Config, error)
	ClientConfig(serverName string) (*tls.Config, error)
}

// ActiveIdentitySource is the read side of the identity service's
// copy-on-write publication (spec §4.3/§9): Current never blocks a writer
// and returns the latest published snapshot, including domain.StateExpired
// once rotation has definitively failed.
type ActiveIdentitySource interface {
	Current() *domain.Identity
}
