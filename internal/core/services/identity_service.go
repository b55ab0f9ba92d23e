// Package services hosts the core orchestration logic that sits between
// ports (CA client, identity store, policy source) and the domain model:
// the identity lifecycle manager (C3) and the policy engine (C6).
package services

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// IdentityServiceConfig carries the per-instance parameters spec §4.3
// leaves as "configuration input": which identity to maintain, its key
// algorithm, requested TTL, and the renewal schedule knobs.
type IdentityServiceConfig struct {
	Tenant      domain.Tenant
	Service     domain.ServiceName
	Algorithm   domain.Algorithm
	TTLRequested time.Duration

	// RenewalFraction is the point in the validity window (as a fraction
	// of NotBefore..NotAfter) at which renewal is first scheduled.
	// Defaults to 0.5 per spec §4.3 step 3.
	RenewalFraction float64
	// MinRenewalLeadTime clamps scheduled renewal to at least this long
	// before expiry. Defaults to 1h per spec §4.3 step 3.
	MinRenewalLeadTime time.Duration
	// RenewalThreshold is the "close enough to expiry to treat as
	// Expiring" window used by Identity.State and by the step-1 reuse
	// check ("not_after - now > renewal_threshold").
	RenewalThreshold time.Duration
	// RetryIntervalCap caps the aggressive retry cadence on renewal failure
	// (spec §4.3 step 5: "every min(5 min, remaining_ttl/8)").
	RetryIntervalCap time.Duration
	// BootstrapMaxAttempts bounds the cold-start issuance retry loop: it only
	// applies when there is no usable persisted identity to fall back on.
	// Once exhausted, Bootstrap returns errs.ErrBootstrapFatal (spec §6/§7:
	// the one runtime condition besides configuration errors allowed to
	// fast-fail startup). A CA that is merely slow or down never fails
	// Bootstrap when a prior identity is on disk; renewal keeps retrying
	// forever in the background instead.
	BootstrapMaxAttempts int

	Logger *slog.Logger
}

func (c *IdentityServiceConfig) setDefaults() {
	if c.RenewalFraction <= 0 {
		c.RenewalFraction = 0.5
	}
	if c.MinRenewalLeadTime <= 0 {
		c.MinRenewalLeadTime = time.Hour
	}
	if c.RenewalThreshold <= 0 {
		c.RenewalThreshold = c.MinRenewalLeadTime
	}
	if c.RetryIntervalCap <= 0 {
		c.RetryIntervalCap = 5 * time.Minute
	}
	if c.BootstrapMaxAttempts <= 0 {
		c.BootstrapMaxAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// IdentityService is C3: it owns the single long-lived identity for this
// sidecar instance, coordinating key generation, CSR assembly, issuance,
// persistence, and renewal scheduling. Current() is lock-free and safe to
// call from every accepted connection's handshake path (spec §4.3, §9
// "copy-on-write identity publication").
type IdentityService struct {
	cfg IdentityServiceConfig

	ca      ports.CAClient
	store   ports.IdentityStore
	health  ports.HealthReporter
	metrics ports.MetricsReporter

	current atomic.Pointer[domain.Identity]

	// renewalCh is nudged to force an immediate renewal attempt, used by
	// tests and by an explicit operator-triggered rotation.
	renewalCh chan struct{}
}

// NewIdentityService constructs the service. Start must be called to begin
// the background rotation loop; Current is usable immediately (it returns
// nil until the first publish).
func NewIdentityService(cfg IdentityServiceConfig, ca ports.CAClient, store ports.IdentityStore, health ports.HealthReporter, metrics ports.MetricsReporter) *IdentityService {
	cfg.setDefaults()
	return &IdentityService{
		cfg:       cfg,
		ca:        ca,
		store:     store,
		health:    health,
		metrics:   metrics,
		renewalCh: make(chan struct{}, 1),
	}
}

// Current returns the latest published identity, or nil if none has been
// published yet. Safe for concurrent use without locking (atomic.Pointer).
func (s *IdentityService) Current() *domain.Identity {
	return s.current.Load()
}

// State reports the lifecycle state of the currently published identity
// relative to now, using the configured renewal threshold. The acceptor
// (C9) calls this at accept time to refuse new connections once the
// identity has gone Expired (spec §4.9 step 2).
func (s *IdentityService) State(now time.Time) domain.IdentityState {
	return s.Current().State(now, s.cfg.RenewalThreshold)
}

// TriggerRenewal requests an out-of-schedule renewal attempt. Non-blocking;
// a pending request is coalesced if one is already queued.
func (s *IdentityService) TriggerRenewal() {
	select {
	case s.renewalCh <- struct{}{}:
	default:
	}
}

// Bootstrap runs steps 1-2 once, publishing either a reused persisted
// identity or a freshly issued one. It is idempotent: if an identity has
// already been published (for instance by a prior call from the
// composition root before the acceptor starts serving), it does nothing.
// Exported so the composition root can block on initial issuance before
// opening any listener (spec §4.9 step 1 requires a valid local identity
// to exist before accepting connections).
func (s *IdentityService) Bootstrap(ctx context.Context) error {
	if s.Current() != nil {
		return nil
	}
	return s.bootstrap(ctx)
}

// Start runs the algorithm from spec §4.3 steps 1-5 until ctx is canceled.
// It returns nil once ctx is canceled after bootstrap has published an
// identity; if bootstrap fails, including ctx being canceled while it
// retries, Start returns that error.
func (s *IdentityService) Start(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return err
	}

	for {
		identity := s.Current()
		wait := s.renewalDelay(identity)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.renewalCh:
			timer.Stop()
		case <-timer.C:
		}

		s.attemptRenewal(ctx)
	}
}

// bootstrap implements steps 1-2: reuse a persisted identity if one exists
// and has not already expired outright, otherwise issue a fresh one.
//
// A persisted identity that is merely inside its renewal threshold (but not
// Expired) is still published immediately: it lets the acceptor start
// serving right away, and Start's renewal loop - which never fails
// Bootstrap, it just logs and retries with backoff - takes over reissuing it
// in the background. Only a genuine cold start, with no usable identity on
// disk at all, retries CA issuance here; if the CA stays unreachable through
// every attempt, that is the one case where startup fails fatally, since
// there is no fallback certificate for the acceptor to serve connections
// with (spec §6/§7).
func (s *IdentityService) bootstrap(ctx context.Context) error {
	if identity := s.loadUsablePersisted(ctx); identity != nil {
		s.publish(identity)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.BootstrapMaxAttempts; attempt++ {
		identity, err := s.issue(ctx, nil)
		if err == nil {
			if err := s.persist(ctx, identity); err != nil {
				s.cfg.Logger.Error("failed to persist newly issued identity", "error", err)
			}
			s.publish(identity)
			return nil
		}

		lastErr = err
		s.cfg.Logger.Warn("initial identity issuance failed, retrying",
			"attempt", attempt+1, "max_attempts", s.cfg.BootstrapMaxAttempts, "error", err)

		if attempt == s.cfg.BootstrapMaxAttempts-1 {
			break
		}
		wait := jitteredBackoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: no persisted identity and CA unreachable after %d attempts: %v",
		errs.ErrBootstrapFatal, s.cfg.BootstrapMaxAttempts, lastErr)
}

// loadUsablePersisted returns a decodable, not-yet-Expired persisted
// identity, or nil if none exists - in which case bootstrap must issue a
// fresh one from the CA.
func (s *IdentityService) loadUsablePersisted(ctx context.Context) *domain.Identity {
	persisted, ok, err := s.store.Load(ctx, s.cfg.Tenant, s.cfg.Service)
	if err != nil {
		s.cfg.Logger.Warn("identity store load failed, issuing fresh identity", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	identity, err := fromPersisted(persisted)
	if err != nil {
		s.cfg.Logger.Warn("persisted identity could not be decoded, issuing fresh identity", "error", err)
		return nil
	}
	if identity.State(time.Now(), s.cfg.RenewalThreshold) == domain.StateExpired {
		s.cfg.Logger.Warn("persisted identity already expired, issuing fresh identity")
		return nil
	}
	return identity
}

// renewalDelay implements step 3: schedule at
// not_before + renewal_fraction*(not_after-not_before), clamped to at least
// MinRenewalLeadTime before expiry. If the current identity is already
// Expired or missing, renewal is attempted immediately.
func (s *IdentityService) renewalDelay(identity *domain.Identity) time.Duration {
	if identity == nil || identity.Certificate == nil {
		return 0
	}
	bundle := identity.Certificate
	lifetime := bundle.NotAfter.Sub(bundle.NotBefore)
	target := bundle.NotBefore.Add(time.Duration(float64(lifetime) * s.cfg.RenewalFraction))
	latest := bundle.NotAfter.Add(-s.cfg.MinRenewalLeadTime)
	if target.After(latest) {
		target = latest
	}
	delay := time.Until(target)
	if delay < 0 {
		return 0
	}
	return delay
}

// attemptRenewal implements steps 2+4-5: re-issue with a freshly rotated
// key; on failure, keep the current (still valid) identity published and
// reschedule an aggressive retry; on terminal expiry, publish Expired.
func (s *IdentityService) attemptRenewal(ctx context.Context) {
	identity, err := s.issue(ctx, s.Current())
	if err != nil {
		s.cfg.Logger.Warn("identity renewal failed", "error", err)
		s.metrics.IdentityRotated(false)

		current := s.Current()
		if current != nil && current.State(time.Now(), s.cfg.RenewalThreshold) != domain.StateExpired {
			remaining := current.Certificate.NotAfter.Sub(time.Now())
			retry := remaining / 8
			if retry > s.cfg.RetryIntervalCap {
				retry = s.cfg.RetryIntervalCap
			}
			if retry > 0 {
				go func() {
					select {
					case <-ctx.Done():
					case <-time.After(retry):
						s.TriggerRenewal()
					}
				}()
			}
			return
		}
		s.reportExpired()
		return
	}

	if err := s.persist(ctx, identity); err != nil {
		s.cfg.Logger.Error("failed to persist renewed identity", "error", err)
	}
	s.publish(identity)
	s.metrics.IdentityRotated(true)
}

// issue implements step 2 (and its step-4 repetition): generate a fresh key
// pair per rotation ("rotation is not re-signing"), assemble a CSR, obtain a
// signed bundle from the CA, and validate it. When current is non-nil and
// not already Expired, the CA is authenticated via its existing mTLS
// certificate (spec §4.1 "mutual TLS with the current cert for renewal");
// otherwise the one-time provisioning token is used for first issuance.
func (s *IdentityService) issue(ctx context.Context, current *domain.Identity) (*domain.Identity, error) {
	identity, err := domain.NewIdentity(s.cfg.Tenant, s.cfg.Service)
	if err != nil {
		return nil, err
	}

	key, fellBack, err := domain.GenerateKeyMaterial(s.cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyGen, err)
	}
	if fellBack {
		s.cfg.Logger.Warn("requested PQC algorithm unavailable, fell back to classical",
			"requested", s.cfg.Algorithm, "effective", key.Algorithm)
	}

	spiffeURL, err := url.Parse(identity.SpiffeID())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCsrBuild, err)
	}
	csrTemplate := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: identity.SpiffeID()},
		URIs:    []*url.URL{spiffeURL},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCsrBuild, err)
	}

	req := domain.CertificateRequest{
		CSRDER:            csrDER,
		RequestedSpiffeID: identity.SpiffeID(),
		Tenant:            s.cfg.Tenant,
		Service:           s.cfg.Service,
		PQCEnabled:        s.cfg.Algorithm.IsPQC(),
		TTLRequested:      s.cfg.TTLRequested,
	}

	var bundle *domain.CertificateBundle
	if current != nil && current.Certificate != nil && current.State(time.Now(), s.cfg.RenewalThreshold) != domain.StateExpired {
		bundle, err = s.ca.Renew(ctx, current.Certificate, current.Key, req)
		if err != nil {
			s.metrics.CARequestFailed("renew", classifyCAError(err))
			return nil, err
		}
	} else {
		bundle, err = s.ca.Request(ctx, req)
		if err != nil {
			s.metrics.CARequestFailed("request", classifyCAError(err))
			return nil, err
		}
	}

	// Chain trust against the CA root is enforced by the TLS context
	// builder (C5) on every connection, not here; this call validates SAN
	// and validity-window shape only (spec §4.3 step 2).
	if err := domain.ValidateIssuedCertificate(bundle, identity.SpiffeID(), nil, time.Now()); err != nil {
		return nil, err
	}

	return identity.WithBundle(key, bundle, time.Now()), nil
}

func (s *IdentityService) persist(ctx context.Context, identity *domain.Identity) error {
	persisted, err := toPersisted(identity)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return s.store.Save(ctx, persisted)
}

func (s *IdentityService) publish(identity *domain.Identity) {
	s.current.Store(identity)
	s.reportHealth(identity)
}

func (s *IdentityService) reportHealth(identity *domain.Identity) {
	if s.health == nil {
		return
	}
	h := ports.IdentityHealth{
		SpiffeID:  identity.SpiffeID(),
		State:     identity.State(time.Now(), s.cfg.RenewalThreshold),
		RotatedAt: identity.RotatedAt(),
	}
	if identity.Certificate != nil {
		h.NotAfter = identity.Certificate.NotAfter
	}
	s.health.ReportIdentity(h)
}

func (s *IdentityService) reportExpired() {
	current := s.Current()
	if current == nil || s.health == nil {
		return
	}
	s.health.ReportIdentity(ports.IdentityHealth{
		SpiffeID: current.SpiffeID(),
		State:    domain.StateExpired,
	})
}

// toPersisted PEM-encodes the identity's key and certificate chain for
// storage, matching the "<data_dir>/.../{cert.pem, chain.pem, key.pem}"
// layout described in spec §6.
func toPersisted(identity *domain.Identity) (*ports.PersistedIdentity, error) {
	keyDER, err := marshalPrivateKey(identity.Key.Signer)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: identity.Certificate.Leaf.Raw})

	var chainPEM []byte
	for _, c := range identity.Certificate.Chain {
		chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}

	return &ports.PersistedIdentity{
		Tenant:    identity.Tenant,
		Service:   identity.Service,
		KeyPEM:    keyPEM,
		LeafPEM:   leafPEM,
		ChainPEM:  chainPEM,
		Algorithm: identity.Key.Algorithm,
	}, nil
}

// fromPersisted reverses toPersisted, reconstructing a domain.Identity from
// its on-disk PEM representation.
func fromPersisted(p *ports.PersistedIdentity) (*domain.Identity, error) {
	identity, err := domain.NewIdentity(p.Tenant, p.Service)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(p.KeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: missing key PEM block", errs.ErrStoreCorrupt)
	}
	signer, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
	}

	leafBlock, _ := pem.Decode(p.LeafPEM)
	if leafBlock == nil {
		return nil, fmt.Errorf("%w: missing leaf PEM block", errs.ErrStoreCorrupt)
	}
	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
	}

	var chain []*x509.Certificate
	rest := p.ChainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
		}
		chain = append(chain, cert)
	}

	bundle := domain.NewCertificateBundle(leaf, chain)
	return identity.WithBundle(domain.KeyMaterial{Signer: signer, Algorithm: p.Algorithm}, bundle, time.Now()), nil
}

// classifyCAError maps a CA client error to a coarse metric label without
// leaking its message contents.
func classifyCAError(err error) string {
	switch {
	case errors.Is(err, errs.ErrCaUnreachable):
		return "unreachable"
	case errors.Is(err, errs.ErrCaRejected):
		return "rejected"
	case errors.Is(err, errs.ErrCaMalformed):
		return "malformed"
	case errors.Is(err, errs.ErrTimeout):
		return "timeout"
	default:
		return "unknown"
	}
}

func marshalPrivateKey(signer crypto.Signer) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(signer)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("decoded key does not implement crypto.Signer")
	}
	return signer, nil
}

// jitteredBackoff implements the retry schedule from spec §4.1: initial
// 500ms, cap 30s, +/-20% jitter. It is unexported; the CA client adapter
// keeps its own copy of the same formula.
func jitteredBackoff(attempt int) time.Duration {
	const (
		initial = 500 * time.Millisecond
		cap_    = 30 * time.Second
	)
	backoff := initial * time.Duration(1<<uint(attempt))
	if backoff > cap_ || backoff <= 0 {
		backoff = cap_
	}
	jitter := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(backoff) * jitter)
}
