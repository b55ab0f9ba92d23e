package spiffe

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"sync"

	gospiffetls "github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"

	"github.com/pqsecure/mesh/internal/core/ports"
)

// alpnProtocols is the fixed ALPN offer for HTTP/gRPC listeners (spec
// §4.5). Raw TCP listeners pass nil NextProtos instead.
var alpnProtocols = []string{"h2", "http/1.1"}

// BuilderConfig carries the static parameters of the TLS context builder.
type BuilderConfig struct {
	Identities     ports.ActiveIdentitySource
	TrustDomain    string
	CARoots        []*x509.Certificate
	TrustedDomains []string // allowlist; empty means "the single configured CA domain"

	// RawTCP suppresses ALPN advertisement for plain TCP listeners.
	RawTCP bool
	Logger *slog.Logger
}

// Builder implements ports.TLSContextBuilder (C5).
type Builder struct {
	cfg          BuilderConfig
	svidSource   *SVIDSource
	bundleSource *BundleSource
	authorizer   gospiffetls.Authorizer

	pqcWarnOnce sync.Once
}

// NewBuilder constructs a Builder. Returns an error if the configured trust
// domain or CA roots are invalid.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bundleSource, err := NewBundleSource(cfg.TrustDomain, cfg.CARoots)
	if err != nil {
		return nil, err
	}

	authorizer := gospiffetls.AuthorizeMemberOf(bundleSource.trustDomain)

	return &Builder{
		cfg:          cfg,
		svidSource:   NewSVIDSource(cfg.Identities),
		bundleSource: bundleSource,
		authorizer:   authorizer,
	}, nil
}

// ServerConfig implements ports.TLSContextBuilder.ServerConfig: requires and
// verifies the peer's client certificate against the CA-pinned bundle (spec
// §4.5 "Server context").
func (b *Builder) ServerConfig() (*tls.Config, error) {
	b.warnIfPQCUnavailable()

	cfg := gospiffetls.MTLSServerConfig(b.svidSource, b.bundleSource, b.authorizer)
	cfg.MinVersion = tls.VersionTLS13
	if !b.cfg.RawTCP {
		cfg.NextProtos = alpnProtocols
	}
	// Session resumption is only safe within a single trust domain (spec
	// §4.5): this builder pins exactly one, so tickets stay enabled; a
	// multi-domain allowlist would otherwise leak implicit authorization
	// across peers via a shared ticket key.
	cfg.SessionTicketsDisabled = len(b.cfg.TrustedDomains) > 1
	return cfg, nil
}

// ClientConfig implements ports.TLSContextBuilder.ClientConfig: presents
// the local identity and verifies the dialed server via C4 plus the
// configured root (spec §4.5 "Client context").
func (b *Builder) ClientConfig(serverName string) (*tls.Config, error) {
	b.warnIfPQCUnavailable()

	cfg := gospiffetls.MTLSClientConfig(b.svidSource, b.bundleSource, b.authorizer)
	cfg.MinVersion = tls.VersionTLS13
	cfg.ServerName = serverName
	if !b.cfg.RawTCP {
		cfg.NextProtos = alpnProtocols
	}
	cfg.SessionTicketsDisabled = len(b.cfg.TrustedDomains) > 1
	return cfg, nil
}

// warnIfPQCUnavailable logs once that no TLS 1.3 PQC group/signature suite
// is wired (spec §4.5: "falls back to classical with a PqcUnavailable
// warning logged once"). The standard library's crypto/tls does not expose
// a pure- or hybrid-PQC key exchange or signature suite as of this
// module's Go version; the fallback already happened at key-generation
// time (domain.EffectiveAlgorithm), this only documents it at the
// TLS-handshake layer for operators inspecting this component in
// isolation.
func (b *Builder) warnIfPQCUnavailable() {
	identity := b.cfg.Identities.Current()
	if identity == nil || !identity.Key.Algorithm.IsPQC() {
		return
	}
	b.pqcWarnOnce.Do(func() {
		b.cfg.Logger.Warn("PQC algorithm requested but unavailable in this TLS provider; using classical fallback",
			"algorithm", identity.Key.Algorithm)
	})
}
