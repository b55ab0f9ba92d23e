package acceptor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/pqsecure/mesh/internal/shutdown"
)

// ManagerConfig bounds the whole mesh instance's accept loops (spec §9
// "per configured listening endpoint" plus the instance-wide concurrency
// cap).
type ManagerConfig struct {
	MaxConcurrentConnections int
	ShutdownGrace            time.Duration
	Logger                   *slog.Logger
}

// Manager runs every configured Listener against one shared connection
// pool, so max_concurrent_connections bounds the whole instance rather
// than each listener independently.
type Manager struct {
	listeners   []*Listener
	pool        *pool.Pool
	coordinator *shutdown.Coordinator
	logger      *slog.Logger
}

// NewManager constructs a Manager. Listener configs should leave Pool unset
// — Manager fills it in with the shared, bounded pool.
func NewManager(cfg ManagerConfig, listenerConfigs []Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxGoroutines := cfg.MaxConcurrentConnections
	if maxGoroutines <= 0 {
		maxGoroutines = 1024
	}
	shared := pool.New().WithMaxGoroutines(maxGoroutines)

	shutdownCfg := shutdown.DefaultConfig()
	if cfg.ShutdownGrace > 0 {
		shutdownCfg.GracePeriod = cfg.ShutdownGrace
	}
	coordinator := shutdown.NewCoordinator(shutdownCfg)

	m := &Manager{pool: shared, coordinator: coordinator, logger: cfg.Logger}
	coordinator.RegisterDrainFunc(shared.Wait)
	for _, lc := range listenerConfigs {
		lc.Pool = shared
		ln, err := New(lc)
		if err != nil {
			return nil, fmt.Errorf("starting listener %q: %w", lc.Name, err)
		}
		m.listeners = append(m.listeners, ln)
		coordinator.RegisterListener(ln)
	}
	return m, nil
}

// RegisterObservabilityServer hands the manager's shutdown coordinator a
// metrics/health HTTP server to shut down gracefully once listeners have
// stopped and in-flight connections have drained.
func (m *Manager) RegisterObservabilityServer(server shutdown.ObservabilityServer) {
	m.coordinator.RegisterObservabilityServer(server)
}

// RegisterPolicyEngine hands the manager's shutdown coordinator a policy
// engine whose hot-reload watch should stop as part of the same sequence.
func (m *Manager) RegisterPolicyEngine(pe shutdown.PolicyCloser) {
	m.coordinator.RegisterPolicyEngine(pe)
}

// Serve runs every listener's accept loop until ctx is cancelled, then runs
// the full shutdown sequence (stop listeners, drain the pool, shut down
// observability servers, close policy engines) via the shared coordinator.
func (m *Manager) Serve(ctx context.Context) error {
	errs := make(chan error, len(m.listeners))
	for _, ln := range m.listeners {
		go func(l *Listener) {
			errs <- l.Serve(ctx)
		}(ln)
	}

	<-ctx.Done()
	m.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultForceTimeout)
	defer cancel()
	if err := m.coordinator.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("shutdown sequence reported errors", "error", err)
	}

	for range m.listeners {
		<-errs
	}
	return nil
}

// Shutdown runs the same shutdown sequence as Serve's ctx-cancellation
// path, for callers that need to trigger it independently of Serve (e.g. a
// second OS signal).
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.coordinator.Shutdown(ctx)
}
