package services

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

// PolicyEngine is C6: it holds the currently published PolicyRuleset behind
// an atomic pointer and evaluates connections/requests against it. Reload is
// atomic — in-flight evaluations always see one complete snapshot, never a
// partially-applied ruleset (spec §4.6).
type PolicyEngine struct {
	current atomic.Pointer[domain.PolicyRuleset]
	logger  *slog.Logger
	metrics ports.MetricsReporter

	stopWatch func()
}

// NewPolicyEngine loads the initial ruleset from source and, if source
// supports it, subscribes to subsequent reloads (spec §6: "Hot-reload
// triggered by SIGHUP").
func NewPolicyEngine(source ports.PolicySource, metrics ports.MetricsReporter, logger *slog.Logger) (*PolicyEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ruleset, err := source.Load()
	if err != nil {
		return nil, fmt.Errorf("initial policy load failed: %w", err)
	}

	e := &PolicyEngine{logger: logger, metrics: metrics}
	e.current.Store(ruleset)

	stop, err := source.Watch(func(next *domain.PolicyRuleset) {
		e.current.Store(next)
		e.logger.Info("policy ruleset reloaded", "ruleset_id", next.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("policy watch setup failed: %w", err)
	}
	e.stopWatch = stop
	return e, nil
}

// Evaluate decides a single connection or per-request input against the
// currently published ruleset. Deterministic and side-effect-free beyond
// the metrics/log emission (spec P3).
func (e *PolicyEngine) Evaluate(in domain.EvalInput) domain.Decision {
	ruleset := e.current.Load()
	if ruleset == nil {
		return domain.Decision{Action: domain.Deny, Reason: "unconfigured"}
	}
	decision := ruleset.Evaluate(in)
	if e.metrics != nil {
		e.metrics.PolicyDecision(string(decision.Action), decision.Reason)
	}
	return decision
}

// EvaluateConnection is a convenience wrapper pinning the evaluation
// timestamp to now, used by the acceptor at TLS-handshake-complete time.
func (e *PolicyEngine) EvaluateConnection(conn domain.ConnectionContext) domain.Decision {
	return e.Evaluate(conn.EvalInput(time.Now()))
}

// Close stops the underlying policy watch, if one was established.
func (e *PolicyEngine) Close() {
	if e.stopWatch != nil {
		e.stopWatch()
	}
}
