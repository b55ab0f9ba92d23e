package services

import (
	"sync"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// RegisteredConnection is the bookkeeping entry for one live connection,
// pinning the *domain.Identity snapshot the handshake captured so rotation
// continuity can be observed (spec P4: "no handshake observes a mixed
// state"; spec scenario 5: "existing connection unaffected" by rotation).
type RegisteredConnection struct {
	ID           string
	IdentitySpiffeID string
	IdentityRotatedAt time.Time
	AcceptedAt   time.Time
}

// ConnectionRegistry tracks in-flight connections and the identity
// generation each one pinned at handshake time, grounded on the teacher's
// mTLS connection registry / rotation continuity service: it exists purely
// for observability and testing of the copy-on-write rotation invariant,
// never for correctness of the forwarding path itself.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[string]RegisteredConnection
}

// NewConnectionRegistry constructs an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]RegisteredConnection)}
}

// Register records a newly accepted connection's pinned identity snapshot.
func (r *ConnectionRegistry) Register(id string, identity *domain.Identity, acceptedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := RegisteredConnection{ID: id, AcceptedAt: acceptedAt}
	if identity != nil {
		entry.IdentitySpiffeID = identity.SpiffeID()
		entry.IdentityRotatedAt = identity.RotatedAt()
	}
	r.conns[id] = entry
}

// Unregister removes a connection once the forwarder has exited.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len reports the number of currently tracked connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// StaleGenerations counts connections still pinned to an identity
// generation older than the currently published one, i.e. the set of
// handshakes rotation left running against the prior bundle on purpose.
func (r *ConnectionRegistry) StaleGenerations(currentRotatedAt time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		if c.IdentityRotatedAt.Before(currentRotatedAt) {
			n++
		}
	}
	return n
}
