package acceptor

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqsecure/mesh/internal/adapters/protocol"
	"github.com/pqsecure/mesh/internal/core/domain"
)

// http1Policy denies any EvalInput whose Method matches one of deniedMethods
// exactly ("<VERB> <path>", matching how http1RequestGate builds it),
// allowing everything else.
type http1Policy struct {
	deniedMethods map[string]bool
}

func (p http1Policy) Evaluate(in domain.EvalInput) domain.Decision {
	if p.deniedMethods[in.Method] {
		return domain.Decision{Action: domain.Deny, Reason: "method denied"}
	}
	return domain.Decision{Action: domain.Allow, Reason: "method allowed"}
}

func (p http1Policy) EvaluateConnection(conn domain.ConnectionContext) domain.Decision {
	return p.Evaluate(conn.EvalInput(time.Now()))
}

// newGatedHTTP1Conn writes firstRequest (a full request, headers terminated
// by \r\n\r\n, body included) to the client side, runs the server side
// through the real protocol.HTTP1Handler.Detect the way the acceptor does,
// and wraps the result in an http1RequestGate.
func newGatedHTTP1Conn(t *testing.T, policy PolicyEvaluator, firstRequest string) (gate net.Conn, client *net.TCPConn) {
	t.Helper()
	client, server := grpcTCPPipe(t)

	go func() {
		_, _ = client.Write([]byte(firstRequest))
	}()

	h := protocol.NewHTTP1Handler()
	_, inspected, err := h.Detect(server)
	require.NoError(t, err)

	br, ok := protocol.BufferedReader(inspected)
	require.True(t, ok)

	connCtx := domain.ConnectionContext{Protocol: domain.ProtocolHTTP}
	return newHTTP1RequestGate(inspected, br, connCtx, policy, discardLogger()), client
}

func TestHTTP1RequestGate_AllowsPermittedRequest(t *testing.T) {
	policy := http1Policy{deniedMethods: map[string]bool{"DELETE /users/1": true}}
	gate, _ := newGatedHTTP1Conn(t, policy, "GET /users/1 HTTP/1.1\r\nHost: example\r\n\r\n")

	buf := make([]byte, 256)
	n, err := readAtLeast(gate, buf, len("GET /users/1"))
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "GET /users/1 HTTP/1.1")
}

func TestHTTP1RequestGate_DeniesRequestWith403AndCloses(t *testing.T) {
	policy := http1Policy{deniedMethods: map[string]bool{"DELETE /users/1": true}}
	gate, client := newGatedHTTP1Conn(t, policy, "DELETE /users/1 HTTP/1.1\r\nHost: example\r\n\r\n")

	buf := make([]byte, 64)
	_, err := gate.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp := make([]byte, 256)
	n, err := client.Read(resp)
	require.NoError(t, err)
	assert.Contains(t, string(resp[:n]), "403 Forbidden")
}

func TestHTTP1RequestGate_SameConnectionAllowThenDeny(t *testing.T) {
	// Mirrors the "same connection, GetUser allowed then DeleteUser denied"
	// scenario: the first request on the connection is allowed and its bytes
	// are forwarded, a second request on the same keep-alive connection is
	// denied without tearing down anything the first request already did.
	policy := http1Policy{deniedMethods: map[string]bool{"DELETE /users/1": true}}
	gate, client := newGatedHTTP1Conn(t, policy, "GET /users/1 HTTP/1.1\r\nHost: example\r\n\r\n")

	buf := make([]byte, 256)
	n, err := readAtLeast(gate, buf, len("GET /users/1"))
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "GET /users/1 HTTP/1.1")

	go func() {
		_, _ = client.Write([]byte("DELETE /users/1 HTTP/1.1\r\nHost: example\r\n\r\n"))
	}()

	_, err = gate.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp := make([]byte, 256)
	n, err = client.Read(resp)
	require.NoError(t, err)
	assert.Contains(t, string(resp[:n]), "403 Forbidden")
}
