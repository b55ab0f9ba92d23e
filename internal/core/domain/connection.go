package domain

import "time"

// ConnectionContext describes one accepted, TLS-terminated connection as it
// flows through the acceptor pipeline (spec §3). It is built once by the
// acceptor after a successful handshake and passed by value down through
// protocol handling, policy evaluation, and forwarding, and into log/metric
// emission for correlation.
type ConnectionContext struct {
	// ID is a per-connection correlation identifier (spec §9 supplemented
	// feature), generated once and carried through every log line and
	// metric label for a connection's lifetime.
	ID string

	PeerSpiffeID       string
	PeerCertFingerprint string

	LocalAddr string
	PeerAddr  string

	AcceptedAt time.Time
	Protocol   Protocol

	// Method is populated by the protocol handler once the request line or
	// HEADERS frame has been parsed; empty for raw TCP and for HTTP/gRPC
	// connections where the first request has not yet arrived.
	Method string
}

// EvalInput projects the parts of a ConnectionContext a PolicyRuleset needs,
// pinning the evaluation timestamp explicitly so policy decisions stay
// reproducible in tests (spec P3).
func (c ConnectionContext) EvalInput(at time.Time) EvalInput {
	return EvalInput{
		PeerSpiffeID: c.PeerSpiffeID,
		Protocol:     c.Protocol,
		Method:       c.Method,
		PeerAddr:     c.PeerAddr,
		At:           at.Unix(),
	}
}
