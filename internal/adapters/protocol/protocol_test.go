package protocol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"github.com/pqsecure/mesh/internal/core/domain"
)

func pipeWithWriter(t *testing.T, write func(net.Conn)) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go write(client)
	return server
}

func TestTCPHandler_Detect(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	result, conn, err := TCPHandler{}.Detect(server)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolTCP, result.Protocol)
	assert.Empty(t, result.Method)
	assert.Same(t, server, conn)
}

func TestHTTP1Handler_Detect_ParsesRequestLine(t *testing.T) {
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte("GET /healthz HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	})

	h := NewHTTP1Handler()
	result, wrapped, err := h.Detect(conn)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolHTTP, result.Protocol)
	assert.Equal(t, "GET /healthz", result.Method)
	require.NotNil(t, wrapped)
}

func TestHTTP1Handler_Detect_PreservesBytesForForwarder(t *testing.T) {
	payload := "POST /orders HTTP/1.1\r\nHost: example.test\r\nContent-Length: 2\r\n\r\nhi"
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte(payload))
	})

	h := NewHTTP1Handler()
	_, wrapped, err := h.Detect(conn)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := readFull(wrapped, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
}

func TestHTTP1Handler_Detect_MalformedRequestLine(t *testing.T) {
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte("not a request line at all\r\n\r\n"))
	})

	h := NewHTTP1Handler()
	_, _, err := h.Detect(conn)
	require.Error(t, err)
}

func TestHTTP1Handler_Detect_TimesOutWithNoHeaderTerminator(t *testing.T) {
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte("GET /partial"))
	})

	h := &HTTP1Handler{MaxPrefixBytes: 512, Timeout: 50 * time.Millisecond}
	_, _, err := h.Detect(conn)
	require.Error(t, err)
}

func buildHeadersFrame(t *testing.T, method, path string) []byte {
	t.Helper()
	var headerBlock bytes.Buffer
	encoder := hpack.NewEncoder(&headerBlock)
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":method", Value: method}))
	require.NoError(t, encoder.WriteField(hpack.HeaderField{Name: ":path", Value: path}))

	length := headerBlock.Len()
	frame := []byte{
		byte(length >> 16), byte(length >> 8), byte(length),
		frameTypeHeaders,
		0x4, // END_HEADERS
		0, 0, 0, 1,
	}
	return append(frame, headerBlock.Bytes()...)
}

func TestHTTP2Handler_Detect_DecodesPathFromHeadersFrame(t *testing.T) {
	headersFrame := buildHeadersFrame(t, "POST", "/acme.Orders/Create")
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte(http2Preface))
		_, _ = c.Write(headersFrame)
	})

	h := NewHTTP2Handler()
	result, wrapped, err := h.Detect(conn)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolGRPC, result.Protocol)
	assert.Equal(t, "acme.Orders/Create", result.Method)
	require.NotNil(t, wrapped)
}

func TestHTTP2Handler_Detect_SkipsSettingsBeforeHeaders(t *testing.T) {
	settingsFrame := []byte{0, 0, 0, 0x4, 0, 0, 0, 0, 0} // empty SETTINGS frame
	headersFrame := buildHeadersFrame(t, "GET", "/acme.Orders/List")
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte(http2Preface))
		_, _ = c.Write(settingsFrame)
		_, _ = c.Write(headersFrame)
	})

	h := NewHTTP2Handler()
	result, _, err := h.Detect(conn)
	require.NoError(t, err)
	assert.Equal(t, "acme.Orders/List", result.Method)
}

func TestHTTP2Handler_Detect_NoHeadersFrameTimesOut(t *testing.T) {
	conn := pipeWithWriter(t, func(c net.Conn) {
		_, _ = c.Write([]byte(http2Preface))
	})

	h := &HTTP2Handler{MaxPeekBytes: 4096, HeaderTimeout: 50 * time.Millisecond}
	_, _, err := h.Detect(conn)
	require.Error(t, err)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
