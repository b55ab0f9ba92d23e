package acceptor

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"github.com/pqsecure/mesh/internal/adapters/protocol"
	"github.com/pqsecure/mesh/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// grpcTCPPipe returns two connected *net.TCPConn. A real socket pair is used
// instead of net.Pipe because net.Pipe's Write blocks until a matching Read
// consumes every byte; the gate writes denial responses back to the client
// side synchronously from inside Read, which would deadlock a test that
// isn't also draining those bytes concurrently.
func grpcTCPPipe(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	s := <-accepted

	t.Cleanup(func() { c.Close(); s.Close() })
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

// grpcPolicy denies any EvalInput whose Method matches deniedMethod exactly,
// allowing everything else — enough to exercise "GetUser allowed, DeleteUser
// denied" on one connection.
type grpcPolicy struct {
	deniedMethod string
}

func (p grpcPolicy) Evaluate(in domain.EvalInput) domain.Decision {
	if in.Method == p.deniedMethod {
		return domain.Decision{Action: domain.Deny, Reason: "method denied"}
	}
	return domain.Decision{Action: domain.Allow, Reason: "method allowed"}
}

func (p grpcPolicy) EvaluateConnection(conn domain.ConnectionContext) domain.Decision {
	return p.Evaluate(conn.EvalInput(time.Now()))
}

func buildGRPCHeadersFrame(t *testing.T, streamID uint32, path string) []byte {
	t.Helper()
	var headerBlock bytes.Buffer
	encoder := hpack.NewEncoder(&headerBlock)
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":method", Value: "POST"}))
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":path", Value: path}))

	length := headerBlock.Len()
	frame := make([]byte, 9)
	frame[0] = byte(length >> 16)
	frame[1] = byte(length >> 8)
	frame[2] = byte(length)
	frame[3] = 0x1 // HEADERS
	frame[4] = 0x4 // END_HEADERS
	binary.BigEndian.PutUint32(frame[5:], streamID)
	return append(frame, headerBlock.Bytes()...)
}

func buildGRPCDataFrame(streamID uint32, payload string, endStream bool) []byte {
	frame := make([]byte, 9)
	frame[0] = byte(len(payload) >> 16)
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload))
	frame[3] = 0x0 // DATA
	if endStream {
		frame[4] = 0x1
	}
	binary.BigEndian.PutUint32(frame[5:], streamID)
	return append(frame, []byte(payload)...)
}

// newGatedGRPCConn writes the HTTP/2 preface plus a first stream's HEADERS
// frame (the stream the connection-level EvaluateConnection would have
// already admitted in the real acceptor path), runs it through the real
// protocol.HTTP2Handler.Detect the same way the acceptor does, and wraps the
// result in a grpcStreamGate. firstPath is the :path the gate will see (and
// re-evaluate) as stream 1.
func newGatedGRPCConn(t *testing.T, policy PolicyEvaluator, firstPath string) (gate net.Conn, client *net.TCPConn) {
	t.Helper()
	client, server := grpcTCPPipe(t)

	go func() {
		_, _ = client.Write([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
		_, _ = client.Write(buildGRPCHeadersFrame(t, 1, firstPath))
	}()

	h := protocol.NewHTTP2Handler()
	_, inspected, err := h.Detect(server)
	require.NoError(t, err)

	br, ok := protocol.BufferedReader(inspected)
	require.True(t, ok)

	connCtx := domain.ConnectionContext{Protocol: domain.ProtocolGRPC}
	return newGRPCStreamGate(inspected, br, connCtx, policy, discardLogger()), client
}

func TestGRPCStreamGate_AllowsPermittedStream(t *testing.T) {
	gate, client := newGatedGRPCConn(t, grpcPolicy{deniedMethod: "acme.Users/DeleteUser"}, "/acme.Users/GetUser")

	go func() {
		_, _ = client.Write(buildGRPCDataFrame(1, "payload", true))
	}()

	// The gate hands out the preface and stream 1's HEADERS frame before the
	// DATA frame, since Detect only peeked them.
	buf := make([]byte, 256)
	want := len("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n") + len(buildGRPCHeadersFrame(t, 1, "/acme.Users/GetUser")) + 9 + len("payload")
	n, err := readAtLeast(gate, buf, want)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "payload")
}

func TestGRPCStreamGate_DropsDeniedStreamFromBackend(t *testing.T) {
	// Stream 1 is the denied one here; the gate still has to consume (and
	// respond to) its frames itself since it re-evaluates every HEADERS
	// frame, including the first one Detect already peeked.
	gate, client := newGatedGRPCConn(t, grpcPolicy{deniedMethod: "acme.Users/DeleteUser"}, "/acme.Users/DeleteUser")

	go func() {
		_, _ = client.Write(buildGRPCDataFrame(1, "should-not-forward", true))
		_, _ = client.Write(buildGRPCHeadersFrame(t, 3, "/acme.Users/GetUser"))
		_, _ = client.Write(buildGRPCDataFrame(3, "next", true))
	}()

	// Forwarded: the preface, stream 3's HEADERS frame and its DATA frame.
	buf := make([]byte, 512)
	want := len("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n") + len(buildGRPCHeadersFrame(t, 3, "/acme.Users/GetUser")) + 9 + len("next")
	n, err := readAtLeast(gate, buf, want)
	require.NoError(t, err)
	forwarded := string(buf[:n])
	assert.NotContains(t, forwarded, "should-not-forward")
	assert.Contains(t, forwarded, "next")
}

func readAtLeast(conn net.Conn, buf []byte, min int) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	total := 0
	for total < min {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
