// Package forwarder implements C8: a bidirectional byte relay between a
// terminated TLS connection and the dialed backend, with half-close
// propagation and idle/absolute timeouts (spec §4.8: "no buffering beyond
// what the transport requires; no L7 modification").
package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pqsecure/mesh/internal/core/ports"
)

// Config bounds a single relay's lifetime.
type Config struct {
	// IdleTimeout resets on every byte transferred in either direction; if
	// it elapses with no traffic, the relay closes both sides.
	IdleTimeout time.Duration
	// MaxDuration bounds the connection's total lifetime regardless of
	// activity. Zero means unbounded.
	MaxDuration time.Duration
	Logger      *slog.Logger
	Metrics     ports.MetricsReporter
	Protocol    string
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// halfCloser is implemented by *net.TCPConn (the backend side of every
// relay) and by *tls.Conn (the client side, and the protocol package's
// peekConn wrapper over it once a listener has inspected the first bytes).
// Any conn that reaches copyDirection without a CloseWrite of its own falls
// back to a full Close on that side.
type halfCloser interface {
	CloseWrite() error
}

// Relay copies bytes between client and backend until one side closes, an
// error occurs, the idle timeout elapses, or ctx is cancelled. It returns
// once both directions have finished (or been abandoned).
func Relay(ctx context.Context, cfg Config, client, backend net.Conn) error {
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.MaxDuration > 0 {
		var durationCancel context.CancelFunc
		ctx, durationCancel = context.WithTimeout(ctx, cfg.MaxDuration)
		defer durationCancel()
	}

	idle := newIdleWatchdog(cfg.IdleTimeout, cancel)
	defer idle.stop()

	go func() {
		<-ctx.Done()
		client.Close()
		backend.Close()
	}()

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		// dst=client, src=backend: copies backend -> client.
		return copyDirection(client, backend, "backend_to_client", &idle, cfg)
	})
	group.Go(func() error {
		// dst=backend, src=client: copies client -> backend.
		return copyDirection(backend, client, "client_to_backend", &idle, cfg)
	})

	err := group.Wait()
	if err != nil && !isExpectedCloseError(err) {
		cfg.Logger.Warn("forwarder relay ended with error", "protocol", cfg.Protocol, "error", err)
		return err
	}
	return nil
}

func copyDirection(dst net.Conn, src net.Conn, direction string, idle *idleWatchdog, cfg Config) error {
	n, err := io.Copy(&countingWriter{w: dst, idle: idle}, src)
	if cfg.Metrics != nil {
		cfg.Metrics.BytesForwarded(direction, n)
	}
	// Propagate half-close: once src is drained, tell dst no more data is
	// coming so the peer can observe EOF on its own read side without
	// tearing down the whole connection.
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else {
		_ = dst.Close()
	}
	if err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

// countingWriter resets the idle watchdog on every successful write,
// observing traffic flowing in the direction io.Copy is driving.
type countingWriter struct {
	w    io.Writer
	idle *idleWatchdog
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.idle.reset()
	}
	return n, err
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, net.ErrClosed)
}
