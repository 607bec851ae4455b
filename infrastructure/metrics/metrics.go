// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archetype-labs/archetyped/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Agent RPC metrics
	AgentRPCTotal    *prometheus.CounterVec
	AgentRPCDuration *prometheus.HistogramVec

	// Reconciliation/enforcement metrics
	ReconcileRunsTotal       prometheus.Counter
	EnforcementAttemptsTotal *prometheus.CounterVec
	JobsTotal                *prometheus.CounterVec
	JobFailuresTotal         *prometheus.CounterVec
	AgentsOnline             prometheus.Gauge

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Agent RPC metrics
		AgentRPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_rpc_calls_total",
				Help: "Total number of RPC calls made to agent hosts",
			},
			[]string{"agent_id", "operation", "status"},
		),
		AgentRPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_rpc_duration_seconds",
				Help:    "Agent RPC call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"agent_id", "operation"},
		),

		// Reconciliation/enforcement metrics
		ReconcileRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconcile_runs_total",
				Help: "Total number of reconciliation loop passes",
			},
		),
		EnforcementAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enforcement_attempts_total",
				Help: "Total number of state-enforcement attempts by outcome",
			},
			[]string{"desired", "outcome"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Total number of jobs by action and terminal status",
			},
			[]string{"action", "status"},
		),
		JobFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_failures_total",
				Help: "Total number of failed jobs by action and classified failure reason",
			},
			[]string{"action", "reason"},
		),
		AgentsOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agents_online",
				Help: "Current number of agent hosts considered online",
			},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.AgentRPCTotal,
			m.AgentRPCDuration,
			m.ReconcileRunsTotal,
			m.EnforcementAttemptsTotal,
			m.JobsTotal,
			m.JobFailuresTotal,
			m.AgentsOnline,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordAgentRPC records one RPC call to an agent host.
func (m *Metrics) RecordAgentRPC(agentID, operation, status string, duration time.Duration) {
	m.AgentRPCTotal.WithLabelValues(agentID, operation, status).Inc()
	m.AgentRPCDuration.WithLabelValues(agentID, operation).Observe(duration.Seconds())
}

// RecordReconcileRun records one reconciliation loop pass.
func (m *Metrics) RecordReconcileRun() {
	m.ReconcileRunsTotal.Inc()
}

// RecordEnforcementAttempt records one state-enforcement attempt outcome.
func (m *Metrics) RecordEnforcementAttempt(desired, outcome string) {
	m.EnforcementAttemptsTotal.WithLabelValues(desired, outcome).Inc()
}

// RecordJob records a job reaching a terminal status.
func (m *Metrics) RecordJob(action, status string) {
	m.JobsTotal.WithLabelValues(action, status).Inc()
}

// RecordJobFailure records a failed job against its classified reason.
func (m *Metrics) RecordJobFailure(action, reason string) {
	m.JobFailuresTotal.WithLabelValues(action, reason).Inc()
}

// SetAgentsOnline sets the current count of online agent hosts.
func (m *Metrics) SetAgentsOnline(count int) {
	m.AgentsOnline.Set(float64(count))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
