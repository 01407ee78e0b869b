// Package prom exports broker and agent metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/relaydesk/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns the scrape handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BrokerObserver exports broker metrics to Prometheus.
type BrokerObserver struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	rateLimitViolations prometheus.Counter
	circuitState        *prometheus.GaugeVec
	circuitTransitions  *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	connectionsByTier   *prometheus.GaugeVec
	sessionCloseTotal   *prometheus.CounterVec
	pendingRequests     prometheus.Gauge
	requestLatency      prometheus.Histogram
	throughputBytes     prometheus.Histogram
}

// NewBrokerObserver registers broker metrics on the registry.
func NewBrokerObserver(reg *prometheus.Registry) *BrokerObserver {
	o := &BrokerObserver{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_requests_total",
			Help: "Tunneled requests by terminal outcome.",
		}, []string{"outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_errors_total",
			Help: "Errors by taxonomy category.",
		}, []string{"category"}),
		rateLimitViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaydesk_rate_limit_violations_total",
			Help: "Requests denied by the rate limiter.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaydesk_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_circuit_state_changes_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"name"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaydesk_active_connections",
			Help: "Current agent websocket session count.",
		}),
		connectionsByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaydesk_connections_by_tier",
			Help: "Current agent sessions by tier.",
		}, []string{"tier"}),
		sessionCloseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_session_close_total",
			Help: "Session close reasons.",
		}, []string{"reason"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaydesk_pending_requests",
			Help: "Outstanding correlator entries.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaydesk_request_latency_ms",
			Help:    "End-to-end tunneled request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		throughputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaydesk_throughput_bytes",
			Help:    "Bytes transferred per tunneled request (request + response body).",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}
	reg.MustRegister(
		o.requestsTotal,
		o.errorsTotal,
		o.rateLimitViolations,
		o.circuitState,
		o.circuitTransitions,
		o.activeConnections,
		o.connectionsByTier,
		o.sessionCloseTotal,
		o.pendingRequests,
		o.requestLatency,
		o.throughputBytes,
	)
	return o
}

func (o *BrokerObserver) Request(outcome observability.Outcome, latency time.Duration, bytes int64) {
	o.requestsTotal.WithLabelValues(string(outcome)).Inc()
	o.requestLatency.Observe(float64(latency.Milliseconds()))
	if bytes > 0 {
		o.throughputBytes.Observe(float64(bytes))
	}
}

func (o *BrokerObserver) ErrorByCategory(category string) {
	o.errorsTotal.WithLabelValues(category).Inc()
}

func (o *BrokerObserver) RateLimitViolation() {
	o.rateLimitViolations.Inc()
}

func (o *BrokerObserver) CircuitState(name string, state int) {
	o.circuitState.WithLabelValues(name).Set(float64(state))
}

func (o *BrokerObserver) CircuitTransition(name string) {
	o.circuitTransitions.WithLabelValues(name).Inc()
}

func (o *BrokerObserver) ActiveConnections(n int64) {
	o.activeConnections.Set(float64(n))
}

func (o *BrokerObserver) ConnectionsByTier(tier string, n int) {
	o.connectionsByTier.WithLabelValues(tier).Set(float64(n))
}

func (o *BrokerObserver) SessionClose(reason observability.CloseReason) {
	o.sessionCloseTotal.WithLabelValues(string(reason)).Inc()
}

func (o *BrokerObserver) PendingRequests(n int) {
	o.pendingRequests.Set(float64(n))
}

// AgentObserver exports agent metrics to Prometheus.
type AgentObserver struct {
	reconnectAttempts prometheus.Counter
	stateChanges      *prometheus.CounterVec
	queueFill         prometheus.Gauge
	localRequests     *prometheus.CounterVec
	localLatency      prometheus.Histogram
}

// NewAgentObserver registers agent metrics on the registry.
func NewAgentObserver(reg *prometheus.Registry) *AgentObserver {
	o := &AgentObserver{
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaydesk_agent_reconnect_attempts_total",
			Help: "Reconnection attempts made by the agent.",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_agent_state_changes_total",
			Help: "Agent connection state transitions.",
		}, []string{"state"}),
		queueFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaydesk_agent_queue_fill",
			Help: "Items currently buffered in the offline request queue.",
		}),
		localRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydesk_agent_local_requests_total",
			Help: "Requests dispatched to the local origin by outcome.",
		}, []string{"outcome"}),
		localLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaydesk_agent_local_latency_ms",
			Help:    "Local origin request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
	}
	reg.MustRegister(
		o.reconnectAttempts,
		o.stateChanges,
		o.queueFill,
		o.localRequests,
		o.localLatency,
	)
	return o
}

func (o *AgentObserver) ReconnectAttempt() {
	o.reconnectAttempts.Inc()
}

func (o *AgentObserver) StateChange(state string) {
	o.stateChanges.WithLabelValues(state).Inc()
}

func (o *AgentObserver) QueueFill(n int) {
	o.queueFill.Set(float64(n))
}

func (o *AgentObserver) LocalRequest(outcome observability.Outcome, latency time.Duration) {
	o.localRequests.WithLabelValues(string(outcome)).Inc()
	o.localLatency.Observe(float64(latency.Milliseconds()))
}
