package protocol

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

// HTTP1Handler implements Handler for plain HTTP/1.1 listeners (spec §4.7:
// "read up to the first CRLF-CRLF, parse the request line only ... Reject
// (HttpMalformed) if no valid request line is found within a 8 KiB prefix
// or 2s timeout").
type HTTP1Handler struct {
	MaxPrefixBytes int
	Timeout        time.Duration
}

// NewHTTP1Handler constructs a handler with the spec-mandated defaults.
func NewHTTP1Handler() *HTTP1Handler {
	return &HTTP1Handler{MaxPrefixBytes: 8 * 1024, Timeout: 2 * time.Second}
}

// Detect implements Handler.
func (h *HTTP1Handler) Detect(conn net.Conn) (Result, net.Conn, error) {
	max := h.MaxPrefixBytes
	if max <= 0 {
		max = 8 * 1024
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	wrapped, br := bufioFor(conn, max)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, nil, fmt.Errorf("%w: setting read deadline: %v", errs.ErrHTTPMalformed, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var data []byte
	var peekErr error
	for n := 0; n <= max; n = len(data) + 1 {
		if b := br.Buffered(); b > n {
			n = b
		}
		data, peekErr = br.Peek(n)
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
			peekErr = nil
			break
		}
		if peekErr != nil || n == max {
			break
		}
	}
	if !bytes.Contains(data, []byte("\r\n\r\n")) {
		if peekErr == nil {
			return Result{}, nil, fmt.Errorf("%w: no request line found within %d byte prefix", errs.ErrHTTPMalformed, max)
		}
		return Result{}, nil, fmt.Errorf("%w: %v", errs.ErrHTTPMalformed, peekErr)
	}

	requestLine, _, _ := bytes.Cut(data, []byte("\r\n"))
	fields := strings.Fields(string(requestLine))
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return Result{}, nil, fmt.Errorf("%w: malformed request line %q", errs.ErrHTTPMalformed, requestLine)
	}

	method := fmt.Sprintf("%s %s", strings.ToUpper(fields[0]), fields[1])
	return Result{Protocol: domain.ProtocolHTTP, Method: method}, wrap(wrapped, br), nil
}
