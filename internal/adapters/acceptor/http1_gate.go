package acceptor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
)

const http1GateMaxHeaderBytes = 64 * 1024

// http1RequestGate wraps the client side of an allowed HTTP/1.1 connection
// so each keep-alive request, the first one included, is policy-evaluated
// before its bytes reach the backend — spec §4.7's per-request gating
// applies just as much to HTTP/1.1 as to gRPC (handle's step 4/5 gate only
// ever saw the first request line on the connection). A denied request gets its own 403
// and ends the connection; an allowed request's header and body bytes are
// forwarded unchanged.
type http1RequestGate struct {
	net.Conn
	br     *bufio.Reader
	conn   domain.ConnectionContext
	policy PolicyEvaluator
	logger *slog.Logger

	writeMu *sync.Mutex
	pending []byte
	closed  bool
	blind   bool // once true, no more request boundaries are tracked
}

func newHTTP1RequestGate(client net.Conn, br *bufio.Reader, conn domain.ConnectionContext, policy PolicyEvaluator, logger *slog.Logger) *http1RequestGate {
	return &http1RequestGate{
		Conn:    client,
		br:      br,
		conn:    conn,
		policy:  policy,
		logger:  logger,
		writeMu: &sync.Mutex{},
	}
}

func (g *http1RequestGate) Read(p []byte) (int, error) {
	if g.blind {
		return g.br.Read(p)
	}
	for len(g.pending) == 0 {
		if g.closed {
			return 0, io.EOF
		}
		if err := g.admitNextRequest(); err != nil {
			return 0, err
		}
	}
	n := copy(p, g.pending)
	g.pending = g.pending[n:]
	return n, nil
}

func (g *http1RequestGate) Write(p []byte) (int, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.Conn.Write(p)
}

func (g *http1RequestGate) CloseWrite() error {
	if hc, ok := g.Conn.(halfCloserConn); ok {
		return hc.CloseWrite()
	}
	return g.Conn.Close()
}

// admitNextRequest reads one HTTP/1.1 request (headers, plus its body if
// Content-Length or chunked framing describes one) from br, evaluates
// policy against its method and path, and either queues its raw bytes onto
// pending or denies it and closes the connection.
func (g *http1RequestGate) admitNextRequest() error {
	headerBytes, err := g.readHeaderBlock()
	if err != nil {
		return err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(headerBytes)))
	if err != nil {
		g.logger.Warn("HTTP/1.1 request line could not be parsed mid-connection", "error", err)
		return g.deny("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}

	body, err := g.readBody(req)
	if err != nil {
		return err
	}

	method := fmt.Sprintf("%s %s", req.Method, req.URL.Path)
	evalConn := g.conn
	evalConn.Method = method
	decision := g.policy.Evaluate(evalConn.EvalInput(time.Now()))
	if decision.Action != domain.Allow {
		g.logger.Info("HTTP/1.1 request denied by policy", "method", method, "reason", decision.Reason)
		return g.deny("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}

	g.pending = append(g.pending, headerBytes...)
	g.pending = append(g.pending, body...)
	if req.Close {
		// No further request boundary is guaranteed once this response
		// closes the connection; stop parsing and just relay whatever
		// follows untouched.
		g.blind = true
	}
	return nil
}

// deny writes resp directly to the client and ends the connection; no
// further bytes are ever forwarded to the backend on this connection.
func (g *http1RequestGate) deny(resp string) error {
	_, _ = g.Write([]byte(resp))
	g.closed = true
	_ = g.Conn.Close()
	return io.EOF
}

// readHeaderBlock consumes exactly the request-line-plus-headers prefix,
// growing the peek window the same way protocol.HTTP1Handler.Detect does
// for the connection's first request.
func (g *http1RequestGate) readHeaderBlock() ([]byte, error) {
	var data []byte
	var peekErr error
	for n := 0; n <= http1GateMaxHeaderBytes; n = len(data) + 1 {
		if b := g.br.Buffered(); b > n {
			n = b
		}
		data, peekErr = g.br.Peek(n)
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
			header := make([]byte, idx+4)
			if _, err := io.ReadFull(g.br, header); err != nil {
				return nil, err
			}
			return header, nil
		}
		if peekErr != nil || n == http1GateMaxHeaderBytes {
			break
		}
	}
	if peekErr == io.EOF && len(data) == 0 {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("no request header block found within %d byte prefix", http1GateMaxHeaderBytes)
}

// readBody consumes req's body from br, if any, and returns its raw bytes
// (including chunk framing, for a chunked body — forwarded verbatim, never
// re-encoded).
func (g *http1RequestGate) readBody(req *http.Request) ([]byte, error) {
	if strings.EqualFold(req.Header.Get("Transfer-Encoding"), "chunked") {
		return g.readChunkedBody()
	}
	if req.ContentLength <= 0 {
		return nil, nil
	}
	body := make([]byte, req.ContentLength)
	if _, err := io.ReadFull(g.br, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readChunkedBody reads a full chunked-transfer body, raw framing included,
// up to and including the terminating zero-length chunk and trailer block.
func (g *http1RequestGate) readChunkedBody() ([]byte, error) {
	var body []byte
	for {
		sizeLine, err := g.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		body = append(body, sizeLine...)

		sizeField, _, _ := bytes.Cut([]byte(sizeLine), []byte(";"))
		size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeField)), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk size %q: %w", sizeLine, err)
		}

		if size == 0 {
			for {
				trailerLine, err := g.br.ReadString('\n')
				if err != nil {
					return nil, err
				}
				body = append(body, trailerLine...)
				if trailerLine == "\r\n" || trailerLine == "\n" {
					break
				}
			}
			return body, nil
		}

		chunk := make([]byte, size+2) // +2 for the trailing CRLF
		if _, err := io.ReadFull(g.br, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)
	}
}
