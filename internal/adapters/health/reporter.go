// Package health implements ports.HealthReporter as an in-memory snapshot
// exposed over HTTP, for the health output spec §9 describes as "defined
// by collaborators, not here" but leaves room to implement.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pqsecure/mesh/internal/core/ports"
)

// Reporter keeps the latest IdentityHealth snapshot and serves it as JSON.
type Reporter struct {
	mu      sync.RWMutex
	current ports.IdentityHealth
}

// NewReporter constructs an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// ReportIdentity implements ports.HealthReporter.
func (r *Reporter) ReportIdentity(h ports.IdentityHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = h
}

// Snapshot returns the latest reported identity health.
func (r *Reporter) Snapshot() ports.IdentityHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// ServeHTTP implements http.Handler, responding with the latest snapshot as
// JSON and a 503 if the identity is expired.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	snapshot := r.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snapshot.State.String() == "expired" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		SpiffeID string `json:"spiffe_id"`
		State    string `json:"state"`
	}{SpiffeID: snapshot.SpiffeID, State: snapshot.State.String()})
}
