// Package app is the composition root: it wires the config, CA client,
// identity store, identity service, policy engine, TLS context builder,
// protocol handlers, forwarder, and acceptor listeners together and runs
// them until the supplied context is cancelled. No business logic lives
// here, only wiring, matching the teacher's cmd/<binary>/main.go pattern
// of keeping main as thin as possible.
package app

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/pqsecure/mesh/internal/adapters/acceptor"
	"github.com/pqsecure/mesh/internal/adapters/ca"
	"github.com/pqsecure/mesh/internal/adapters/health"
	"github.com/pqsecure/mesh/internal/adapters/metrics"
	"github.com/pqsecure/mesh/internal/adapters/policy"
	"github.com/pqsecure/mesh/internal/adapters/spiffe"
	"github.com/pqsecure/mesh/internal/adapters/store"
	"github.com/pqsecure/mesh/internal/config"
	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run builds every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.MeshConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	trustDomain := trustDomainOf(cfg)

	caRoot, err := loadCertPool(cfg.CA.RootCAFile)
	if err != nil {
		return fmt.Errorf("loading CA root: %w", err)
	}
	caRoots, err := loadCerts(cfg.CA.RootCAFile)
	if err != nil {
		return fmt.Errorf("parsing CA root certificates: %w", err)
	}

	provisioningToken, err := os.ReadFile(cfg.CA.ProvisioningTokenFile)
	if err != nil {
		return fmt.Errorf("reading provisioning token: %w", err)
	}

	registry := prometheus.NewRegistry()
	metricsReporter := metrics.NewPrometheusReporter(registry)
	healthReporter := health.NewReporter()

	caClient := ca.NewClient(ca.Config{
		BaseURL:           cfg.CA.BaseURL,
		Root:              caRoot,
		ProvisioningToken: strings.TrimSpace(string(provisioningToken)),
		Logger:            logger,
	})
	caClient.WithMTLSClientFactory(caClient.DefaultMTLSClientFactory)

	identityStore := store.NewFileStore(cfg.Identity.DataDir)

	algorithm := domain.AlgorithmECDSAP256
	if cfg.Identity.Algorithm != "" {
		algorithm = domain.Algorithm(cfg.Identity.Algorithm)
	}

	identitySvc := services.NewIdentityService(services.IdentityServiceConfig{
		Tenant:             domain.Tenant(cfg.Identity.Tenant),
		Service:            domain.ServiceName(cfg.Identity.Service),
		Algorithm:          algorithm,
		TTLRequested:       cfg.Identity.TTLRequested,
		RenewalFraction:    cfg.Identity.RenewalFraction,
		MinRenewalLeadTime: cfg.Identity.MinRenewalLeadTime,
		Logger:             logger,
	}, caClient, identityStore, healthReporter, metricsReporter)

	// Bootstrap only returns an error for the one genuinely fatal case: no
	// usable identity on disk and the CA still unreachable after its own
	// retry budget (errs.ErrBootstrapFatal), or ctx being cancelled while
	// retrying. A CA that is merely slow or down with a persisted identity
	// already on disk never fails here; renewal keeps retrying forever in
	// the background goroutine below instead (spec §6/§7).
	if err := identitySvc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping identity: %w", err)
	}
	go func() {
		if err := identitySvc.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("identity service stopped unexpectedly", "error", err)
		}
	}()

	tlsBuilder, err := spiffe.NewBuilder(spiffe.BuilderConfig{
		Identities:     identitySvc,
		TrustDomain:    trustDomain,
		CARoots:        caRoots,
		TrustedDomains: cfg.TrustedDomains,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("building TLS context builder: %w", err)
	}
	verifier := spiffe.NewVerifier(cfg.TrustedDomains)

	connectionRegistry := services.NewConnectionRegistry()

	var listenerConfigs []acceptor.Config
	var policyEngines []*services.PolicyEngine
	for _, l := range cfg.Listeners {
		policySource := policy.NewYAMLSource(l.PolicyFile)
		policyEngine, err := services.NewPolicyEngine(policySource, metricsReporter, logger)
		if err != nil {
			return fmt.Errorf("loading policy for listener %q: %w", l.Name, err)
		}
		policyEngines = append(policyEngines, policyEngine)

		listenerConfigs = append(listenerConfigs, acceptor.Config{
			Name:               l.Name,
			BindAddress:        l.BindAddress,
			BackendAddress:     l.BackendAddress,
			Protocol:           domain.Protocol(l.Protocol),
			TLS:                tlsBuilder,
			Verifier:           verifier,
			Identity:           identitySvc,
			Policy:             policyEngine,
			Registry:           connectionRegistry,
			Metrics:            metricsReporter,
			Logger:             logger,
			HandshakeTimeout:   cfg.Timeouts.HandshakeTimeout,
			BackendDialTimeout: cfg.Timeouts.BackendDialTimeout,
			IdleTimeout:        cfg.Timeouts.IdleTimeout,
			MaxConnDuration:    cfg.Timeouts.MaxConnectionDuration,
		})
	}
	manager, err := acceptor.NewManager(acceptor.ManagerConfig{
		MaxConcurrentConnections: cfg.MaxConcurrentConnections,
		ShutdownGrace:            cfg.Timeouts.ShutdownGrace,
		Logger:                   logger,
	}, listenerConfigs)
	if err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	for _, pe := range policyEngines {
		manager.RegisterPolicyEngine(pe)
	}

	if cfg.Observability.MetricsAddr != "" {
		manager.RegisterObservabilityServer(serveHTTP(cfg.Observability.MetricsAddr, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger, "metrics"))
	}
	if cfg.Observability.HealthAddr != "" {
		manager.RegisterObservabilityServer(serveHTTP(cfg.Observability.HealthAddr, healthReporter, logger, "health"))
	}

	// manager.Serve runs every listener until ctx is cancelled, then drives
	// the full shutdown sequence itself (stop listeners, drain in-flight
	// connections, shut down the observability servers registered above,
	// close the policy engines registered above) via its shutdown
	// coordinator — nothing further to clean up here.
	return manager.Serve(ctx)
}

func serveHTTP(addr string, handler http.Handler, logger *slog.Logger, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		logger.Info("observability endpoint serving", "name", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability endpoint failed", "name", name, "error", err)
		}
	}()
	return srv
}

// trustDomainOf derives the mesh's single trust domain from the identity
// tenant, per the spec §3 "spiffe://<tenant>/<service>" URI shape.
func trustDomainOf(cfg *config.MeshConfig) string {
	return cfg.Identity.Tenant
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func loadCerts(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePEMCertificates(data)
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}
