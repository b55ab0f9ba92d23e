// Package domain contains the core business types of the mesh sidecar:
// identities, certificate bundles, policy rulesets, and connection context.
// The package is independent of transport, storage, and CA concerns so that
// it can be unit tested without any network or filesystem dependency.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// namePattern matches the tenant/service charset required by spec: a
// lowercase alphanumeric label that may contain dots and hyphens after the
// first character.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

// Tenant is a trust-domain label, e.g. "acme".
type Tenant string

// Validate checks the tenant against the required charset.
func (t Tenant) Validate() error {
	if t == "" || !namePattern.MatchString(string(t)) {
		return fmt.Errorf("%w: tenant %q", ErrInvalidName, string(t))
	}
	return nil
}

func (t Tenant) String() string { return string(t) }

// ServiceName is the local service name within a tenant, e.g. "web".
type ServiceName string

// Validate checks the service name against the required charset.
func (s ServiceName) Validate() error {
	if s == "" || !namePattern.MatchString(string(s)) {
		return fmt.Errorf("%w: service %q", ErrInvalidName, string(s))
	}
	return nil
}

func (s ServiceName) String() string { return string(s) }

// Identity is the cryptographic identity of a sidecar instance: the
// (tenant, service) pair it was issued for, its derived SPIFFE URI, its key
// material, and its most recently issued certificate bundle.
//
// Invariants (spec §3):
//   - SAN of CertificateBundle.Leaf contains exactly one SPIFFE URI, and
//     that URI equals SpiffeID().
//   - not_after > now whenever State() == Active.
type Identity struct {
	Tenant      Tenant
	Service     ServiceName
	Key         KeyMaterial
	Certificate *CertificateBundle

	// rotatedAt records when the current Certificate was published, used
	// only for observability (health reporting), never for invariants.
	rotatedAt time.Time
}

// NewIdentity constructs an Identity, validating the tenant and service
// charset per spec §3. The returned Identity has no certificate yet; it is
// populated by the identity service after issuance.
func NewIdentity(tenant Tenant, service ServiceName) (*Identity, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if err := service.Validate(); err != nil {
		return nil, err
	}
	return &Identity{Tenant: tenant, Service: service}, nil
}

// SpiffeID returns the canonical spiffe://<tenant>/<service> URI for this
// identity. This is derived, never stored independently, per spec §3.
func (i *Identity) SpiffeID() string {
	return fmt.Sprintf("spiffe://%s/%s", i.Tenant, i.Service)
}

// IdentityState reflects the lifecycle phase of a published identity, per
// spec §4.3 step 5.
type IdentityState int

const (
	// StateActive means the certificate bundle is valid (not_after > now).
	StateActive IdentityState = iota
	// StateExpiring means the bundle is valid but within the renewal
	// threshold of expiry; renewal should already be in flight.
	StateExpiring
	// StateExpired means not_after has elapsed and renewal never
	// succeeded; the acceptor must reject new connections (spec §4.5).
	StateExpired
)

func (s IdentityState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpiring:
		return "expiring"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// State computes the current lifecycle state relative to now. A nil
// certificate is always Expired.
func (i *Identity) State(now time.Time, renewalThreshold time.Duration) IdentityState {
	if i == nil || i.Certificate == nil {
		return StateExpired
	}
	if !now.Before(i.Certificate.NotAfter) {
		return StateExpired
	}
	lifetime := i.Certificate.NotAfter.Sub(i.Certificate.NotBefore)
	if lifetime <= 0 {
		return StateExpired
	}
	if now.Add(renewalThreshold).After(i.Certificate.NotAfter) {
		return StateExpiring
	}
	return StateActive
}

// RotatedAt returns when the currently published certificate took effect.
func (i *Identity) RotatedAt() time.Time { return i.rotatedAt }

// WithBundle returns a copy of the Identity with a new key and certificate
// bundle published, leaving the receiver untouched. This is the atomic
// copy-on-write swap described in spec §4.3/§4.9 — in-flight handshakes
// that already captured a pointer to the old *Identity keep using it.
func (i *Identity) WithBundle(key KeyMaterial, bundle *CertificateBundle, publishedAt time.Time) *Identity {
	return &Identity{
		Tenant:      i.Tenant,
		Service:     i.Service,
		Key:         key,
		Certificate: bundle,
		rotatedAt:   publishedAt,
	}
}

// ErrInvalidName is returned when a tenant or service name fails the
// spec-mandated charset check.
var ErrInvalidName = fmt.Errorf("name must match [a-z0-9][a-z0-9.-]*")

// ValidateSpiffePath rejects empty paths and path traversal per spec §4.4
// step 3 ("Path must be non-empty and not contain \"..\"").
func ValidateSpiffePath(path string) error {
	if path == "" {
		return fmt.Errorf("spiffe path must not be empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("spiffe path must not contain '..'")
	}
	return nil
}
