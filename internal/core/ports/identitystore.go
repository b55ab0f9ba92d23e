package ports

import (
	"context"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// PersistedIdentity is the on-disk representation of an Identity: PEM-
// encoded key and certificate material, persisted by an IdentityStore and
// parsed back into domain types by the identity service (spec §4.2: "the
// store is pure state; it does not validate certificate contents").
type PersistedIdentity struct {
	Tenant      domain.Tenant
	Service     domain.ServiceName
	KeyPEM      []byte
	LeafPEM     []byte
	ChainPEM    []byte
	Algorithm   domain.Algorithm
}

// IdentityStore persists and retrieves key + cert bundles keyed by
// (tenant, service), per spec §4.2. Implementations must make save atomic
// (a reader never observes a half-written bundle) and must not validate
// certificate semantics — that is the identity service's job.
type IdentityStore interface {
	// Load returns (identity, true, nil) if one is persisted, (nil, false,
	// nil) if none exists, or (nil, false, err) on I/O or corruption
	// failure (ErrStorage / ErrStoreCorrupt).
	Load(ctx context.Context, tenant domain.Tenant, service domain.ServiceName) (*PersistedIdentity, bool, error)

	Save(ctx context.Context, identity *PersistedIdentity) error

	Delete(ctx context.Context, tenant domain.Tenant, service domain.ServiceName) error
}
