// Package protocol implements C7: minimal, read-only inspection of the
// first bytes of a plaintext TLS-terminated stream, just enough to recover
// policy input (method/path) before handing the connection, byte-for-byte,
// to the forwarder (spec §4.7). Every handler uses bufio.Reader.Peek so
// nothing is consumed from the stream — the returned net.Conn wraps the
// same buffered reader, so the forwarder sees exactly what the protocol
// handler saw, with no replay buffer to keep in sync.
package protocol

import (
	"bufio"
	"net"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// Result is what a Handler recovers from the first bytes of a connection.
type Result struct {
	Protocol domain.Protocol
	// Method is "" for raw TCP, "<VERB> <path>" for HTTP, and
	// "<service>/<method>" for gRPC, matching domain.EvalInput.Method.
	Method string
}

// Handler inspects conn (already past a completed TLS handshake) and
// returns the policy input plus a net.Conn the forwarder should use in
// place of the original — identical bytes, peeked not consumed.
type Handler interface {
	Detect(conn net.Conn) (Result, net.Conn, error)
}

// peekConn wraps conn so that Read goes through br (which may already hold
// peeked-but-unconsumed bytes) while every other method passes through
// unchanged.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// halfCloser is implemented by every conn type the forwarder relays over
// that supports TCP-style half-close: *net.TCPConn and, since Go 1.8,
// *tls.Conn. peekConn embeds the net.Conn interface, which does not declare
// CloseWrite, so without this method Go's method promotion would silently
// drop half-close support for every connection this package wraps (every
// HTTP/1.1 and HTTP/2/gRPC listener; raw TCP connections are never wrapped
// and are unaffected).
type halfCloser interface {
	CloseWrite() error
}

// CloseWrite forwards to the embedded conn's own CloseWrite when it has one,
// preserving half-close propagation through the wrapper (spec §4.8).
func (c *peekConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

func wrap(conn net.Conn, br *bufio.Reader) net.Conn {
	return &peekConn{Conn: conn, br: br}
}

// BufferedReader returns the bufio.Reader backing conn if conn came from a
// Handler's Detect (i.e. is a *peekConn), and false otherwise. Per-request
// and per-stream policy gating (spec §4.7) needs to keep parsing the same
// connection past the first request/stream a Handler inspected; reusing the
// exact buffer a Handler peeked from avoids layering a second bufio.Reader
// that would desynchronize with bytes the Handler already buffered.
func BufferedReader(conn net.Conn) (*bufio.Reader, bool) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return nil, false
	}
	return pc.br, true
}

// bufioFor returns conn's existing buffered reader if it is already a
// peekConn (chaining handlers should not double-wrap), or a fresh one
// otherwise.
func bufioFor(conn net.Conn, size int) (net.Conn, *bufio.Reader) {
	if pc, ok := conn.(*peekConn); ok {
		return pc, pc.br
	}
	return conn, bufio.NewReaderSize(conn, size)
}
