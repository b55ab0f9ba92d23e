// Package acceptor implements C9: the per-listener accept loop that ties
// together TLS handshake (C5), SPIFFE verification (C4), protocol
// detection (C7), policy evaluation (C6), and the forwarder (C8) into the
// linear eight-step pipeline spec §4.9 describes.
package acceptor

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"google.golang.org/grpc/codes"

	"github.com/pqsecure/mesh/internal/adapters/forwarder"
	"github.com/pqsecure/mesh/internal/adapters/protocol"
	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// IdentitySource is the slice of *services.IdentityService the acceptor
// depends on: the rotation-safe read and the lifecycle check used to
// refuse new connections once the identity can no longer be renewed.
type IdentitySource interface {
	ports.ActiveIdentitySource
	State(now time.Time) domain.IdentityState
}

// PolicyEvaluator is the slice of *services.PolicyEngine the acceptor
// depends on. EvaluateConnection gates the connection once, at accept time,
// using whatever the first request/stream's method happens to be;
// Evaluate is called again per-request/per-stream by http1RequestGate and
// grpcStreamGate for every HTTP request or gRPC stream the same connection
// carries, the first one included (spec §4.7).
type PolicyEvaluator interface {
	Evaluate(in domain.EvalInput) domain.Decision
	EvaluateConnection(conn domain.ConnectionContext) domain.Decision
}

// ConnectionTracker is the slice of *services.ConnectionRegistry the
// acceptor depends on.
type ConnectionTracker interface {
	Register(id string, identity *domain.Identity, acceptedAt time.Time)
	Unregister(id string)
}

// Config describes one bound endpoint and its dependencies (spec §4.9).
type Config struct {
	Name           string
	BindAddress    string
	BackendAddress string
	Protocol       domain.Protocol

	TLS       ports.TLSContextBuilder
	Verifier  ports.SpiffeVerifier
	Identity  IdentitySource
	Policy    PolicyEvaluator
	Registry  ConnectionTracker
	Metrics   ports.MetricsReporter
	Logger    *slog.Logger

	HandshakeTimeout   time.Duration
	BackendDialTimeout time.Duration
	IdleTimeout        time.Duration
	MaxConnDuration    time.Duration

	// Pool bounds the number of concurrently forwarded connections across
	// every listener sharing it (spec §9 "max_concurrent_connections").
	Pool *pool.Pool
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackendDialTimeout <= 0 {
		c.BackendDialTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Listener owns one bound TCP socket and the accept loop feeding it.
type Listener struct {
	cfg      Config
	handler  protocol.Handler
	listener net.Listener
}

// New binds cfg.BindAddress and constructs a Listener. It does not start
// accepting until Serve is called.
func New(cfg Config) (*Listener, error) {
	cfg.setDefaults()
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("binding listener %q: %w", cfg.Name, err)
	}
	return &Listener{cfg: cfg, handler: handlerFor(cfg.Protocol), listener: ln}, nil
}

func handlerFor(p domain.Protocol) protocol.Handler {
	switch p {
	case domain.ProtocolHTTP:
		return protocol.NewHTTP1Handler()
	case domain.ProtocolGRPC:
		return protocol.NewHTTP2Handler()
	default:
		return protocol.TCPHandler{}
	}
}

// Addr returns the bound local address, useful when BindAddress used port 0.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Close closes the underlying socket, unblocking Serve's Accept loop.
func (l *Listener) Close() error { return l.listener.Close() }

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Each accepted connection is handed to the configured Pool, which
// bounds total in-flight connections (spec §9 "max_concurrent_connections");
// Pool.Go blocks the accept loop itself once the bound is reached, which is
// the intended backpressure — no new socket is accepted until a slot frees.
func (l *Listener) Serve(ctx context.Context) error {
	l.cfg.Logger.Info("listener serving", "name", l.cfg.Name, "bind_address", l.cfg.BindAddress, "protocol", l.cfg.Protocol)
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.cfg.Logger.Warn("accept error", "name", l.cfg.Name, "error", err)
			continue
		}
		l.cfg.Pool.Go(func() {
			l.handle(ctx, conn)
		})
	}
}

// handle runs the full per-connection pipeline (spec §4.9 steps 1-8).
func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	connID := uuid.NewString()
	logger := l.cfg.Logger.With("connection_id", connID, "listener", l.cfg.Name)
	acceptedAt := time.Now()

	defer func() {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ConnectionClosed(string(l.cfg.Protocol), time.Since(acceptedAt))
		}
	}()

	// Step 1: refuse if the local identity can no longer present a valid
	// certificate (spec §4.9 step 1, §4.5 "identity Expired").
	if l.cfg.Identity.State(acceptedAt) == domain.StateExpired {
		logger.Error("refusing connection: local identity expired")
		raw.Close()
		return
	}

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ConnectionAccepted(string(l.cfg.Protocol))
	}

	// Step 2: TLS handshake (C5).
	tlsConn, peerSpiffeID, err := l.handshake(ctx, raw)
	if err != nil {
		logger.Warn("TLS handshake failed", "error", err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.HandshakeFailed(classifyHandshakeError(err))
		}
		raw.Close()
		return
	}
	defer tlsConn.Close()

	conn := domain.ConnectionContext{
		ID:                  connID,
		PeerSpiffeID:        peerSpiffeID,
		PeerCertFingerprint: peerFingerprint(tlsConn),
		LocalAddr:           tlsConn.LocalAddr().String(),
		PeerAddr:            tlsConn.RemoteAddr().String(),
		AcceptedAt:          acceptedAt,
		Protocol:            l.cfg.Protocol,
	}

	// Step 3: protocol detection (C7) — peeks only, does not consume.
	result, inspected, err := l.handler.Detect(tlsConn)
	if err != nil {
		logger.Warn("protocol detection failed", "error", err)
		return
	}
	conn.Method = result.Method

	if l.cfg.Registry != nil {
		l.cfg.Registry.Register(connID, l.cfg.Identity.Current(), acceptedAt)
		defer l.cfg.Registry.Unregister(connID)
	}

	// Step 4/5: policy evaluation (C6), default-deny. This only ever sees
	// the first request/stream on the connection; HTTP keep-alive requests
	// and multiplexed gRPC streams that follow are gated per-request below,
	// once the connection itself is admitted (spec §4.7).
	decision := l.cfg.Policy.EvaluateConnection(conn)
	if decision.Action != domain.Allow {
		logger.Info("connection denied by policy", "reason", decision.Reason, "peer", peerSpiffeID)
		denyResponse(inspected, l.cfg.Protocol)
		return
	}

	inspected = l.gatePerRequest(inspected, conn, logger)

	// Step 6: dial backend.
	backend, err := l.dialBackend(ctx)
	if err != nil {
		logger.Warn("backend dial failed", "error", err, "backend", l.cfg.BackendAddress)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.CARequestFailed("backend_dial", "unreachable")
		}
		unavailableResponse(inspected, l.cfg.Protocol)
		return
	}
	defer backend.Close()

	// Step 7/8: relay bytes until either side closes (C8).
	relayErr := forwarder.Relay(ctx, forwarder.Config{
		IdleTimeout: l.cfg.IdleTimeout,
		MaxDuration: l.cfg.MaxConnDuration,
		Logger:      logger,
		Metrics:     l.cfg.Metrics,
		Protocol:    string(l.cfg.Protocol),
	}, inspected, backend)
	if relayErr != nil {
		logger.Warn("relay ended with error", "error", relayErr)
	}
}

// gatePerRequest wraps conn with the protocol-appropriate per-request/
// per-stream policy gate, if one applies, so every HTTP request or gRPC
// stream gets its own policy.Evaluate call, including the first one the
// connection-level decision already covered (spec §4.7, scenario: "same connection,
// GetUser allowed then DeleteUser denied"). Raw TCP has no per-request
// concept and passes through unchanged.
func (l *Listener) gatePerRequest(conn net.Conn, connCtx domain.ConnectionContext, logger *slog.Logger) net.Conn {
	br, ok := protocol.BufferedReader(conn)
	if !ok {
		return conn
	}
	switch l.cfg.Protocol {
	case domain.ProtocolHTTP:
		return newHTTP1RequestGate(conn, br, connCtx, l.cfg.Policy, logger)
	case domain.ProtocolGRPC:
		return newGRPCStreamGate(conn, br, connCtx, l.cfg.Policy, logger)
	default:
		return conn
	}
}

// handshake performs the server-side TLS handshake with an explicit
// timeout and extracts the peer's SPIFFE ID via the configured verifier
// (spec §4.9 step 2, §4.4).
func (l *Listener) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, string, error) {
	tlsCfg, err := l.cfg.TLS.ServerConfig()
	if err != nil {
		return nil, "", fmt.Errorf("%w: building server TLS config: %v", errs.ErrTLSHandshake, err)
	}

	tlsConn := tls.Server(raw, tlsCfg)
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, "", fmt.Errorf("%w: setting handshake deadline: %v", errs.ErrTLSHandshake, err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		return nil, "", fmt.Errorf("%w: %v", errs.ErrTLSHandshake, err)
	}
	// Clear the handshake deadline; the forwarder owns idle/absolute
	// timeouts from here on.
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, "", fmt.Errorf("%w: clearing handshake deadline: %v", errs.ErrTLSHandshake, err)
	}

	state := tlsConn.ConnectionState()
	spiffeID, err := l.cfg.Verifier.VerifyPeerChain(state.PeerCertificates)
	if err != nil {
		return nil, "", err
	}
	return tlsConn, spiffeID, nil
}

func (l *Listener) dialBackend(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: l.cfg.BackendDialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.BackendDialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", l.cfg.BackendAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendUnreachable, err)
	}
	return conn, nil
}

// peerFingerprint returns the hex SHA-256 digest of the peer's leaf
// certificate, used only for correlation in logs (spec §9 supplemented
// feature), never for authorization decisions.
func peerFingerprint(tlsConn *tls.Conn) string {
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	sum := sha256.Sum256(certs[0].Raw)
	return hex.EncodeToString(sum[:])
}

func classifyHandshakeError(err error) string {
	switch {
	case errors.Is(err, errs.ErrSpiffeUntrustedDomain):
		return "untrusted_domain"
	case errors.Is(err, errs.ErrSpiffeMissing):
		return "spiffe_missing"
	case errors.Is(err, errs.ErrSpiffeAmbiguous):
		return "spiffe_ambiguous"
	case errors.Is(err, errs.ErrPeerCertInvalid):
		return "peer_cert_invalid"
	default:
		return "tls_handshake"
	}
}

// denyResponse sends the protocol-appropriate rejection for a policy deny
// (spec §4.9 step 6: "HTTP 403 / gRPC PERMISSION_DENIED trailer / bare TCP
// close") and closes the connection.
func denyResponse(conn net.Conn, p domain.Protocol) {
	switch p {
	case domain.ProtocolHTTP:
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	case domain.ProtocolGRPC:
		writeGRPCTrailerOnlyResponse(conn, codes.PermissionDenied, "permission denied by policy")
	}
	conn.Close()
}

// unavailableResponse sends the protocol-appropriate rejection for a
// backend dial failure (spec §4.9 step 7: "HTTP 502 / gRPC UNAVAILABLE /
// bare TCP close").
func unavailableResponse(conn net.Conn, p domain.Protocol) {
	switch p {
	case domain.ProtocolHTTP:
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	case domain.ProtocolGRPC:
		writeGRPCTrailerOnlyResponse(conn, codes.Unavailable, "backend unavailable")
	}
	conn.Close()
}
