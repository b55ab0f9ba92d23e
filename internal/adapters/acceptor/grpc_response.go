package acceptor

import (
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
)

// writeGRPCTrailerOnlyResponse writes a minimal HTTP/2 trailers-only
// response carrying a gRPC status (spec §4.9 step 6/7: deny and
// backend-unavailable responses for gRPC listeners never reach the
// backend, so they cannot go through a real gRPC server stack). It writes
// just enough framing for a conforming gRPC client to read the status: a
// settings ack, and a single HEADERS frame on stream 1 with END_HEADERS
// and END_STREAM set, carrying :status, content-type, grpc-status, and
// grpc-message.
//
// This intentionally does not implement HTTP/2 connection setup (no
// preface echo, no real SETTINGS negotiation) — by the time this runs, the
// acceptor has already decided not to forward the connection to a real
// gRPC server, so the only goal is a status the client's gRPC runtime can
// surface to the caller rather than an opaque transport error.
func writeGRPCTrailerOnlyResponse(conn net.Conn, code codes.Code, message string) {
	settingsAck := frameHeader(0, 0x4, 0x1, 0)
	if _, err := conn.Write(settingsAck); err != nil {
		slog.Default().Debug("writing grpc trailer-only settings ack failed", "error", err)
		return
	}
	writeGRPCStreamDenied(conn, 1, code, message)
}

// writeGRPCStreamDenied writes the same trailers-only gRPC status as
// writeGRPCTrailerOnlyResponse, but on an arbitrary stream ID and without a
// SETTINGS ack — used by the per-stream policy gate (spec §4.7) to deny one
// multiplexed stream on an otherwise-allowed, already-established
// connection without disturbing any other stream in flight.
func writeGRPCStreamDenied(conn net.Conn, streamID uint32, code codes.Code, message string) {
	var headerBlock []byte
	enc := hpack.NewEncoder(sliceWriter{buf: &headerBlock})
	_ = enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
	_ = enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "application/grpc"})
	_ = enc.WriteField(hpack.HeaderField{Name: "grpc-status", Value: strconv.Itoa(int(code))})
	_ = enc.WriteField(hpack.HeaderField{Name: "grpc-message", Value: message})

	headersFrame := append(frameHeader(len(headerBlock), 0x1, 0x4|0x1, streamID), headerBlock...)

	if _, err := conn.Write(headersFrame); err != nil {
		slog.Default().Debug("writing grpc trailer-only headers frame failed", "stream_id", streamID, "error", err)
	}
}

// frameHeader builds a 9-byte HTTP/2 frame header: 3-byte length, 1-byte
// type, 1-byte flags, 4-byte stream ID (top bit reserved/zero).
func frameHeader(length int, frameType, flags byte, streamID uint32) []byte {
	h := make([]byte, 9)
	h[0] = byte(length >> 16)
	h[1] = byte(length >> 8)
	h[2] = byte(length)
	h[3] = frameType
	h[4] = flags
	binary.BigEndian.PutUint32(h[5:], streamID&0x7fffffff)
	return h
}

// sliceWriter adapts a *[]byte to io.Writer for hpack.NewEncoder.
type sliceWriter struct {
	buf *[]byte
}

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
