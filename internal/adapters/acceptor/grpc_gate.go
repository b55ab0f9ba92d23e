package acceptor

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/pqsecure/mesh/internal/adapters/protocol"
	"github.com/pqsecure/mesh/internal/core/domain"
)

const (
	grpcFrameHeaderSize = 9
	grpcFrameData       = 0x0
	grpcFrameHeaders    = 0x1
	grpcFrameContinuation = 0x9
	grpcFlagEndStream   = 0x1
	grpcFlagEndHeaders  = 0x4
	grpcClientPreface   = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// grpcStreamGate wraps the client side of an allowed gRPC connection so that
// every HTTP/2 stream's HEADERS frame, the first one included, is
// policy-evaluated before
// its bytes ever reach the backend — spec §4.7's "same connection, GetUser
// allowed then DeleteUser denied" scenario requires gating per multiplexed
// stream, not once at accept time (handle's step 4/5 gate only ever saw the
// first stream). A denied stream's frames are dropped here instead of
// forwarded; the backend never learns the stream existed. Every other frame
// (SETTINGS, WINDOW_UPDATE, PING, an allowed stream's own DATA/HEADERS) is
// forwarded unchanged — this is not a general HTTP/2 proxy, just enough
// framing awareness to gate requests the way the HTTP/1 path already could
// per-request.
type grpcStreamGate struct {
	net.Conn
	br     *bufio.Reader
	conn   domain.ConnectionContext
	policy PolicyEvaluator
	logger *slog.Logger

	writeMu *sync.Mutex

	pending     []byte
	denied      map[uint32]bool
	prefaceRead bool
}

// newGRPCStreamGate constructs a gate over client, reusing br — the same
// buffered reader the HTTP/2 Handler peeked the first stream's HEADERS frame
// from — so nothing already buffered is lost or re-ordered.
func newGRPCStreamGate(client net.Conn, br *bufio.Reader, conn domain.ConnectionContext, policy PolicyEvaluator, logger *slog.Logger) *grpcStreamGate {
	return &grpcStreamGate{
		Conn:    client,
		br:      br,
		conn:    conn,
		policy:  policy,
		logger:  logger,
		writeMu: &sync.Mutex{},
		denied:  make(map[uint32]bool),
	}
}

// Read implements net.Conn. It only ever returns bytes from frames this gate
// has decided to admit; frames belonging to a denied stream are consumed
// from br and discarded.
func (g *grpcStreamGate) Read(p []byte) (int, error) {
	for len(g.pending) == 0 {
		if err := g.admitNextFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, g.pending)
	g.pending = g.pending[n:]
	return n, nil
}

// Write serializes writes back to the client against the same lock used for
// denial responses this gate injects, so a trailers-only frame written
// from admitNextFrame never interleaves with the relay's own response
// bytes on the backend_to_client direction.
func (g *grpcStreamGate) Write(p []byte) (int, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.Conn.Write(p)
}

// CloseWrite forwards to the embedded conn's own CloseWrite, matching
// protocol.peekConn's promotion fix — net.Conn does not declare CloseWrite,
// so without this the half-close fix in the protocol package would be
// silently lost again the moment a gRPC connection gets gated.
func (g *grpcStreamGate) CloseWrite() error {
	if hc, ok := g.Conn.(halfCloserConn); ok {
		return hc.CloseWrite()
	}
	return g.Conn.Close()
}

type halfCloserConn interface {
	CloseWrite() error
}

// admitNextFrame reads exactly one HTTP/2 frame from br. If it belongs to a
// stream this gate has already denied, its bytes are dropped; otherwise
// they are appended to pending for Read to hand out. A HEADERS frame on a
// stream not yet seen is policy-evaluated first. The client connection
// preface, which precedes the first frame, is passed through unchanged.
func (g *grpcStreamGate) admitNextFrame() error {
	if !g.prefaceRead {
		preface := make([]byte, len(grpcClientPreface))
		if _, err := io.ReadFull(g.br, preface); err != nil {
			return err
		}
		g.prefaceRead = true
		g.pending = append(g.pending, preface...)
		return nil
	}

	header := make([]byte, grpcFrameHeaderSize)
	if _, err := io.ReadFull(g.br, header); err != nil {
		return err
	}
	length := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	frameType := header[3]
	flags := header[4]
	streamID := binary.BigEndian.Uint32(header[5:9]) & 0x7fffffff

	payload := make([]byte, length)
	if _, err := io.ReadFull(g.br, payload); err != nil {
		return err
	}

	gated := frameType == grpcFrameData || frameType == grpcFrameHeaders || frameType == grpcFrameContinuation
	if !gated || streamID == 0 {
		g.forward(header, payload)
		return nil
	}

	if frameType == grpcFrameHeaders {
		if _, seen := g.denied[streamID]; !seen {
			g.evaluateStream(streamID, flags, payload)
		}
	}

	if g.denied[streamID] {
		if flags&grpcFlagEndStream != 0 {
			delete(g.denied, streamID)
		}
		return nil
	}

	g.forward(header, payload)
	if flags&grpcFlagEndStream != 0 {
		delete(g.denied, streamID)
	}
	return nil
}

// evaluateStream decodes a new stream's request HEADERS and runs it through
// the same PolicyEngine.Evaluate entry point EvaluateConnection uses,
// against a ConnectionContext whose Method now reflects this specific
// stream rather than whichever stream happened to be first.
func (g *grpcStreamGate) evaluateStream(streamID uint32, flags byte, payload []byte) {
	if flags&grpcFlagEndHeaders == 0 {
		// A HEADERS block split across CONTINUATION frames can't be safely
		// decoded by this minimal parser (matching protocol.HTTP2Handler's
		// own limitation) — default-deny rather than let an unparsed
		// request through ungated.
		g.denied[streamID] = true
		g.logger.Warn("gRPC stream denied: headers split across frames", "stream_id", streamID)
		writeGRPCStreamDenied(g, streamID, codes.PermissionDenied, "header block could not be evaluated")
		return
	}

	_, path, err := protocol.DecodeMethodPath(payload)
	if err != nil {
		g.denied[streamID] = true
		g.logger.Warn("gRPC stream denied: could not decode headers", "stream_id", streamID, "error", err)
		writeGRPCStreamDenied(g, streamID, codes.PermissionDenied, "malformed headers")
		return
	}

	evalConn := g.conn
	evalConn.Method = protocol.GRPCMethodToken(path)
	decision := g.policy.Evaluate(evalConn.EvalInput(time.Now()))
	if decision.Action != domain.Allow {
		g.denied[streamID] = true
		g.logger.Info("gRPC stream denied by policy", "stream_id", streamID, "method", evalConn.Method, "reason", decision.Reason)
		writeGRPCStreamDenied(g, streamID, codes.PermissionDenied, "permission denied by policy")
		return
	}
	g.denied[streamID] = false
}

func (g *grpcStreamGate) forward(header, payload []byte) {
	g.pending = append(g.pending, header...)
	g.pending = append(g.pending, payload...)
}
