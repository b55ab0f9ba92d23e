package ports

import (
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// IdentityHealth is a point-in-time snapshot of an identity's lifecycle
// state, surfaced for the health endpoint (spec §4.3/§9 "degrade ... and
// requires the operator to observe via metrics and health output").
type IdentityHealth struct {
	SpiffeID   string
	State      domain.IdentityState
	NotAfter   time.Time
	RotatedAt  time.Time
}

// HealthReporter receives identity lifecycle transitions for external
// observation. Implementations may expose them over HTTP, a Unix socket,
// or simply keep the latest snapshot in memory for tests.
type HealthReporter interface {
	ReportIdentity(h IdentityHealth)
}
