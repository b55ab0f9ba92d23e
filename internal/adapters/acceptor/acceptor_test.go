package acceptor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// selfSignedCert mints a minimal self-signed leaf, optionally carrying a
// spiffe:// URI SAN, for use on either side of the test TLS handshake.
func selfSignedCert(t *testing.T, spiffeID string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "acceptor test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if spiffeID != "" {
		uri, err := url.Parse(spiffeID)
		require.NoError(t, err)
		template.URIs = []*url.URL{uri}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

type fakeTLSBuilder struct {
	serverCert tls.Certificate
}

func (f fakeTLSBuilder) ServerConfig() (*tls.Config, error) {
	return &tls.Config{
		Certificates: []tls.Certificate{f.serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (f fakeTLSBuilder) ClientConfig(string) (*tls.Config, error) { return nil, nil }

type fakeVerifier struct {
	err error
}

func (f fakeVerifier) VerifyPeerChain(chain []*x509.Certificate) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if len(chain) == 0 || len(chain[0].URIs) == 0 {
		return "", verifierError("no spiffe URI in peer chain")
	}
	return chain[0].URIs[0].String(), nil
}

type verifierError string

func (e verifierError) Error() string { return string(e) }

type fakeIdentitySource struct {
	state domain.IdentityState
}

func (f fakeIdentitySource) Current() *domain.Identity { return nil }
func (f fakeIdentitySource) State(time.Time) domain.IdentityState { return f.state }

type fakePolicy struct {
	decision domain.Decision
}

func (f fakePolicy) Evaluate(domain.EvalInput) domain.Decision               { return f.decision }
func (f fakePolicy) EvaluateConnection(domain.ConnectionContext) domain.Decision { return f.decision }

func dialTLSClient(t *testing.T, addr net.Addr, clientCert tls.Certificate) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newListener(t *testing.T, cfg Config) *Listener {
	t.Helper()
	cfg.BindAddress = "127.0.0.1:0"
	if cfg.Pool == nil {
		cfg.Pool = pool.New().WithMaxGoroutines(8)
	}
	ln, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestListener_AllowedConnectionRelaysToBackend(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backendLn.Close()
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("pong!"))
	}()

	serverCert := selfSignedCert(t, "")
	clientCert := selfSignedCert(t, "spiffe://acme.test/ns/prod/sa/web")

	ln := newListener(t, Config{
		Name:           "test",
		BackendAddress: backendLn.Addr().String(),
		Protocol:       domain.ProtocolTCP,
		TLS:            fakeTLSBuilder{serverCert: serverCert},
		Verifier:       fakeVerifier{},
		Identity:       fakeIdentitySource{state: domain.StateActive},
		Policy:         fakePolicy{decision: domain.Decision{Action: domain.Allow, Reason: "matched-allow"}},
	})

	ctx, cancel := newTestContext(t)
	defer cancel()
	go ln.Serve(ctx)

	clientConn := dialTLSClient(t, ln.Addr(), clientCert)
	_, err = clientConn.Write([]byte("ping!"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, setReadDeadline(clientConn))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong!", string(buf[:n]))
}

func TestListener_DeniedConnectionGetsClosed(t *testing.T) {
	serverCert := selfSignedCert(t, "")
	clientCert := selfSignedCert(t, "spiffe://acme.test/ns/prod/sa/web")

	ln := newListener(t, Config{
		Name:           "test-deny",
		BackendAddress: "127.0.0.1:1", // never dialed
		Protocol:       domain.ProtocolTCP,
		TLS:            fakeTLSBuilder{serverCert: serverCert},
		Verifier:       fakeVerifier{},
		Identity:       fakeIdentitySource{state: domain.StateActive},
		Policy:         fakePolicy{decision: domain.Decision{Action: domain.Deny, Reason: "default-deny"}},
	})

	ctx, cancel := newTestContext(t)
	defer cancel()
	go ln.Serve(ctx)

	clientConn := dialTLSClient(t, ln.Addr(), clientCert)
	buf := make([]byte, 1)
	require.NoError(t, setReadDeadline(clientConn))
	_, err := clientConn.Read(buf)
	assert.Error(t, err) // connection closed, no bytes relayed
}

func TestListener_BackendUnreachableClosesConnection(t *testing.T) {
	serverCert := selfSignedCert(t, "")
	clientCert := selfSignedCert(t, "spiffe://acme.test/ns/prod/sa/web")

	unreachableLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backendAddr := unreachableLn.Addr().String()
	require.NoError(t, unreachableLn.Close()) // now nothing listens there

	ln := newListener(t, Config{
		Name:               "test-unavailable",
		BackendAddress:     backendAddr,
		Protocol:           domain.ProtocolTCP,
		TLS:                fakeTLSBuilder{serverCert: serverCert},
		Verifier:           fakeVerifier{},
		Identity:           fakeIdentitySource{state: domain.StateActive},
		Policy:             fakePolicy{decision: domain.Decision{Action: domain.Allow}},
		BackendDialTimeout: time.Second,
	})

	ctx, cancel := newTestContext(t)
	defer cancel()
	go ln.Serve(ctx)

	clientConn := dialTLSClient(t, ln.Addr(), clientCert)
	buf := make([]byte, 1)
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = clientConn.Read(buf)
	assert.Error(t, err)
}

func TestListener_ExpiredIdentityRefusesConnectionBeforeHandshake(t *testing.T) {
	serverCert := selfSignedCert(t, "")

	ln := newListener(t, Config{
		Name:           "test-expired",
		BackendAddress: "127.0.0.1:1",
		Protocol:       domain.ProtocolTCP,
		TLS:            fakeTLSBuilder{serverCert: serverCert},
		Verifier:       fakeVerifier{},
		Identity:       fakeIdentitySource{state: domain.StateExpired},
		Policy:         fakePolicy{decision: domain.Decision{Action: domain.Allow}},
	})

	ctx, cancel := newTestContext(t)
	defer cancel()
	go ln.Serve(ctx)

	// Plain TCP dial: the identity-expired check happens before any TLS
	// bytes are exchanged, so a raw connection is enough to observe the
	// acceptor closing it immediately.
	rawConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	buf := make([]byte, 1)
	require.NoError(t, rawConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = rawConn.Read(buf)
	assert.Error(t, err)
}

func setReadDeadline(conn *tls.Conn) error {
	return conn.SetReadDeadline(time.Now().Add(3 * time.Second))
}

func newTestContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx, cancel
}

var _ ports.TLSContextBuilder = fakeTLSBuilder{}
var _ ports.SpiffeVerifier = fakeVerifier{}
var _ ports.ActiveIdentitySource = fakeIdentitySource{}
