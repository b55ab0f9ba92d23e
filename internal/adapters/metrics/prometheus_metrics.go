// Package metrics implements ports.MetricsReporter with Prometheus client
// metrics, named with the pqsecuremesh_ prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusReporter is the production ports.MetricsReporter implementation.
type PrometheusReporter struct {
	connectionsAccepted *prometheus.CounterVec
	connectionDuration  *prometheus.HistogramVec
	handshakeFailures   *prometheus.CounterVec
	policyDecisions     *prometheus.CounterVec
	bytesForwarded      *prometheus.CounterVec
	identityRotations   *prometheus.CounterVec
	caRequestFailures   *prometheus.CounterVec
}

// NewPrometheusReporter registers and returns a PrometheusReporter against
// the given registerer (use prometheus.DefaultRegisterer in production,
// a fresh prometheus.NewRegistry() in tests to avoid global collisions).
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	factory := promauto.With(reg)
	return &PrometheusReporter{
		connectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_connections_accepted_total",
			Help: "Total connections accepted by the listener, labeled by protocol.",
		}, []string{"protocol"}),
		connectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pqsecuremesh_connection_duration_seconds",
			Help:    "Connection lifetime from accept to close.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_handshake_failures_total",
			Help: "TLS handshake failures, labeled by reason category.",
		}, []string{"reason"}),
		policyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_policy_decisions_total",
			Help: "Policy engine decisions, labeled by action and reason category.",
		}, []string{"action", "reason"}),
		bytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_bytes_forwarded_total",
			Help: "Bytes relayed by the forwarder, labeled by direction.",
		}, []string{"direction"}),
		identityRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_identity_rotations_total",
			Help: "Identity rotation attempts, labeled by outcome.",
		}, []string{"outcome"}),
		caRequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pqsecuremesh_ca_request_failures_total",
			Help: "CA client request failures, labeled by operation and error kind.",
		}, []string{"operation", "kind"}),
	}
}

func (r *PrometheusReporter) ConnectionAccepted(protocol string) {
	r.connectionsAccepted.WithLabelValues(protocol).Inc()
}

func (r *PrometheusReporter) ConnectionClosed(protocol string, duration time.Duration) {
	r.connectionDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

func (r *PrometheusReporter) HandshakeFailed(reason string) {
	r.handshakeFailures.WithLabelValues(reason).Inc()
}

func (r *PrometheusReporter) PolicyDecision(action, reason string) {
	r.policyDecisions.WithLabelValues(action, reason).Inc()
}

func (r *PrometheusReporter) BytesForwarded(direction string, n int64) {
	r.bytesForwarded.WithLabelValues(direction).Add(float64(n))
}

func (r *PrometheusReporter) IdentityRotated(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.identityRotations.WithLabelValues(outcome).Inc()
}

func (r *PrometheusReporter) CARequestFailed(operation, kind string) {
	r.caRequestFailures.WithLabelValues(operation, kind).Inc()
}
