package ports

import "time"

// MetricsReporter records the observability signals the acceptor, policy
// engine, and identity service emit. The prometheus adapter is the only
// production implementation; tests use an in-memory fake (spec §9: runtime
// failures are "surfaced to observability ... but do not terminate the
// process").
type MetricsReporter interface {
	ConnectionAccepted(protocol string)
	ConnectionClosed(protocol string, duration time.Duration)
	HandshakeFailed(reason string)
	PolicyDecision(action string, reason string)
	BytesForwarded(direction string, n int64)
	IdentityRotated(success bool)
	CARequestFailed(operation string, kind string)
}
