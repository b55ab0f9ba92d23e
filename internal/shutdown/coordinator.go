// Package shutdown coordinates the mesh's graceful-shutdown sequence: stop
// accepting new connections, drain the ones already in flight, then tear
// down the observability surface and the policy watchers behind them.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// DefaultGracePeriod bounds shutting down the observability HTTP servers.
	DefaultGracePeriod = 30 * time.Second
	// DefaultDrainTimeout bounds waiting for in-flight connections to finish
	// their relay after listeners stop accepting new ones.
	DefaultDrainTimeout = 20 * time.Second
	// DefaultForceTimeout is the overall ceiling on the whole sequence;
	// past it, Shutdown returns regardless of what is still outstanding.
	DefaultForceTimeout = 45 * time.Second
)

// Config configures graceful shutdown behavior.
type Config struct {
	// GracePeriod bounds the observability-server shutdown phase.
	GracePeriod time.Duration

	// DrainTimeout bounds waiting for in-flight connections to finish.
	DrainTimeout time.Duration

	// ForceTimeout is the time after which Shutdown gives up waiting on any
	// remaining phase and returns.
	ForceTimeout time.Duration

	// OnShutdownStart is called when shutdown begins.
	OnShutdownStart func()

	// OnShutdownComplete is called when shutdown completes.
	OnShutdownComplete func(err error)
}

// DefaultConfig returns sensible shutdown defaults.
func DefaultConfig() *Config {
	return &Config{
		GracePeriod:  DefaultGracePeriod,
		DrainTimeout: DefaultDrainTimeout,
		ForceTimeout: DefaultForceTimeout,
	}
}

// Listener is the subset of acceptor.Listener (and net.Listener) a
// Coordinator needs: stop accepting new connections.
type Listener interface {
	Close() error
}

// ObservabilityServer is the subset of *http.Server the metrics/health
// endpoints are served with: a graceful, context-bounded shutdown.
type ObservabilityServer interface {
	Shutdown(ctx context.Context) error
}

// PolicyCloser is the subset of *services.PolicyEngine a Coordinator needs:
// stop its hot-reload watch (fsnotify watcher, SIGHUP handler).
type PolicyCloser interface {
	Close()
}

// Coordinator runs the mesh's shutdown sequence in four phases: stop
// listeners, drain in-flight connections, shut down observability servers,
// close policy watchers and any other registered cleanup.
type Coordinator struct {
	config       *Config
	listeners    []Listener
	drainFuncs   []func()
	obsServers   []ObservabilityServer
	policies     []PolicyCloser
	cleanupFuncs []func() error

	mu             sync.Mutex
	shutdownOnce   sync.Once
	isShuttingDown bool
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Coordinator{config: config}
}

// RegisterListener registers a listener to stop accepting new connections
// during phase 1.
func (c *Coordinator) RegisterListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if listener != nil && !c.isShuttingDown {
		c.listeners = append(c.listeners, listener)
	}
}

// RegisterDrainFunc registers a blocking function that returns once every
// in-flight connection accepted before phase 1 has finished relaying — e.g.
// a connection pool's Wait. Run during phase 2, bounded by DrainTimeout.
func (c *Coordinator) RegisterDrainFunc(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil && !c.isShuttingDown {
		c.drainFuncs = append(c.drainFuncs, fn)
	}
}

// RegisterObservabilityServer registers a metrics or health HTTP server to
// shut down gracefully during phase 3, once no new proxied connections are
// being accepted and in-flight ones have drained.
func (c *Coordinator) RegisterObservabilityServer(server ObservabilityServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server != nil && !c.isShuttingDown {
		c.obsServers = append(c.obsServers, server)
	}
}

// RegisterPolicyEngine registers a policy engine whose hot-reload watch
// should stop during phase 4.
func (c *Coordinator) RegisterPolicyEngine(pe PolicyCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pe != nil && !c.isShuttingDown {
		c.policies = append(c.policies, pe)
	}
}

// RegisterCleanupFunc registers an arbitrary cleanup function to run during
// phase 4, alongside policy engine teardown.
func (c *Coordinator) RegisterCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil && !c.isShuttingDown {
		c.cleanupFuncs = append(c.cleanupFuncs, fn)
	}
}

// Shutdown runs the four-phase sequence once; subsequent calls return the
// result of the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var finalErr error

	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.isShuttingDown = true
		c.mu.Unlock()

		if c.config.OnShutdownStart != nil {
			c.config.OnShutdownStart()
		}

		forceCtx, forceCancel := context.WithTimeout(ctx, c.config.ForceTimeout)
		defer forceCancel()

		slog.Info("starting graceful shutdown",
			"grace_period", c.config.GracePeriod,
			"drain_timeout", c.config.DrainTimeout,
			"force_timeout", c.config.ForceTimeout)

		var errsMu sync.Mutex
		var errs []error
		addError := func(err error) {
			errsMu.Lock()
			defer errsMu.Unlock()
			errs = append(errs, err)
		}

		c.stopListeners(addError)
		c.drainConnections(forceCtx)
		c.shutdownObservability(forceCtx, addError)
		c.closePolicies(addError)

		if len(errs) > 0 {
			for _, err := range errs {
				slog.Error("shutdown error", "error", err)
				if finalErr == nil {
					finalErr = err
				}
			}
		} else {
			slog.Info("graceful shutdown completed successfully")
		}

		if c.config.OnShutdownComplete != nil {
			c.config.OnShutdownComplete(finalErr)
		}
	})

	return finalErr
}

// stopListeners closes every registered listener so no new connection is
// accepted; this must happen before draining has any chance of converging.
// A listener whose own ctx-cancellation path (acceptor.Listener.Serve) has
// already closed it by the time this runs reports net.ErrClosed, which is
// expected here, not a real shutdown failure.
func (c *Coordinator) stopListeners(addError func(error)) {
	slog.Info("shutdown phase 1: stopping listeners")
	for _, ln := range c.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			addError(fmt.Errorf("listener close error: %w", err))
		}
	}
}

// drainConnections waits for every registered drain function to return,
// bounded by DrainTimeout (inside the overall force deadline) — if the pool
// doesn't drain in time, shutdown proceeds anyway rather than hanging
// forever on a connection that outlives the mesh process.
func (c *Coordinator) drainConnections(forceCtx context.Context) {
	if len(c.drainFuncs) == 0 {
		return
	}
	slog.Info("shutdown phase 2: draining in-flight connections")

	drainCtx, cancel := context.WithTimeout(forceCtx, c.config.DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, fn := range c.drainFuncs {
			wg.Add(1)
			go func(f func()) {
				defer wg.Done()
				f()
			}(fn)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("in-flight connections drained")
	case <-drainCtx.Done():
		slog.Warn("drain timeout exceeded, proceeding with shutdown")
	}
}

// shutdownObservability gracefully shuts down every registered metrics/
// health HTTP server, bounded by GracePeriod.
func (c *Coordinator) shutdownObservability(forceCtx context.Context, addError func(error)) {
	if len(c.obsServers) == 0 {
		return
	}
	slog.Info("shutdown phase 3: stopping observability servers")

	graceCtx, cancel := context.WithTimeout(forceCtx, c.config.GracePeriod)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range c.obsServers {
		wg.Add(1)
		go func(s ObservabilityServer) {
			defer wg.Done()
			if err := s.Shutdown(graceCtx); err != nil {
				addError(fmt.Errorf("observability server shutdown error: %w", err))
			}
		}(srv)
	}
	wg.Wait()
}

// closePolicies stops every registered policy engine's hot-reload watch and
// runs any other registered cleanup function.
func (c *Coordinator) closePolicies(addError func(error)) {
	slog.Info("shutdown phase 4: closing policy engines")
	for _, pe := range c.policies {
		pe.Close()
	}
	for _, fn := range c.cleanupFuncs {
		if err := fn(); err != nil {
			addError(fmt.Errorf("cleanup function error: %w", err))
		}
	}
}
