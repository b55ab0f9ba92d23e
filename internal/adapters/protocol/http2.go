package protocol

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

const (
	http2Preface    = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	frameHeaderSize = 9
	frameTypeHeaders = 0x1
)

// HTTP2Handler implements Handler for ALPN h2 / gRPC listeners (spec §4.7:
// "rely on ALPN h2; perform a minimal HEADERS frame parse on the first
// request stream to recover :method and :path. If the handler cannot
// observe this within the configured header timeout, it denies.").
//
// It does not implement HTTP/2 framing in general (no flow control, no
// SETTINGS handling, no CONTINUATION support beyond a single frame) — it
// peeks just far enough into the wire bytes to decode one HEADERS frame,
// then hands the untouched stream to the forwarder.
type HTTP2Handler struct {
	MaxPeekBytes  int
	HeaderTimeout time.Duration
}

// NewHTTP2Handler constructs a handler with sensible defaults.
func NewHTTP2Handler() *HTTP2Handler {
	return &HTTP2Handler{MaxPeekBytes: 64 * 1024, HeaderTimeout: 2 * time.Second}
}

// Detect implements Handler.
func (h *HTTP2Handler) Detect(conn net.Conn) (Result, net.Conn, error) {
	max := h.MaxPeekBytes
	if max <= 0 {
		max = 64 * 1024
	}
	timeout := h.HeaderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	wrapped, br := bufioFor(conn, max)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, nil, fmt.Errorf("%w: setting read deadline: %v", errs.ErrHTTPMalformed, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	offset := len(http2Preface)
	for {
		header, err := br.Peek(offset + frameHeaderSize)
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: waiting for HEADERS frame: %v", errs.ErrHTTPMalformed, err)
		}
		frameHeader := header[offset : offset+frameHeaderSize]
		length := int(frameHeader[0])<<16 | int(frameHeader[1])<<8 | int(frameHeader[2])
		frameType := frameHeader[3]

		total := offset + frameHeaderSize + length
		if total > max {
			return Result{}, nil, fmt.Errorf("%w: HEADERS frame exceeds %d byte peek budget", errs.ErrHTTPMalformed, max)
		}
		full, err := br.Peek(total)
		if err != nil {
			return Result{}, nil, fmt.Errorf("%w: reading frame payload: %v", errs.ErrHTTPMalformed, err)
		}

		if frameType == frameTypeHeaders {
			payload := full[offset+frameHeaderSize : total]
			_, path, err := DecodeMethodPath(payload)
			if err != nil {
				return Result{}, nil, fmt.Errorf("%w: %v", errs.ErrHTTPMalformed, err)
			}
			return Result{Protocol: domain.ProtocolGRPC, Method: GRPCMethodToken(path)}, wrap(wrapped, br), nil
		}

		// Not a HEADERS frame (e.g. SETTINGS) — skip past it and keep
		// looking, since gRPC clients send SETTINGS before any request.
		offset = total
	}
}

// GRPCMethodToken turns a gRPC :path pseudo-header ("/service/method") into
// the "service/method" form domain.EvalInput.Method expects.
func GRPCMethodToken(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// DecodeMethodPath hpack-decodes a single HEADERS frame payload and recovers
// its :method/:path pseudo-headers. Exported so acceptor's per-stream policy
// gate can decode subsequent streams the same way Detect decoded the first.
func DecodeMethodPath(headerBlock []byte) (method, path string, err error) {
	var decodeErr error
	decoder := hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":path":
			path = f.Value
		}
	})
	if _, decodeErr = decoder.Write(headerBlock); decodeErr != nil {
		return "", "", fmt.Errorf("decoding HEADERS frame: %w", decodeErr)
	}
	if err := decoder.Close(); err != nil {
		return "", "", fmt.Errorf("closing hpack decoder: %w", err)
	}
	if path == "" {
		return "", "", fmt.Errorf("HEADERS frame carried no :path pseudo-header")
	}
	return method, path, nil
}
