// Package metrics provides Prometheus metrics export for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat request statuses used as label values.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
)

// Exporter exports gateway metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	// Chat metrics
	chatRequests *prometheus.CounterVec
	chatLatency  *prometheus.HistogramVec
	chatActive   prometheus.Gauge

	// SQL agent metrics
	sqlExecuted   *prometheus.CounterVec
	sqlRejected   *prometheus.CounterVec
	schemaRefresh *prometheus.CounterVec

	// LLM token metrics
	llmTokens *prometheus.CounterVec

	// Dispatch metrics
	agentFallbacks *prometheus.CounterVec

	// Pool metrics
	poolOpen *prometheus.GaugeVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates a new metrics exporter with all gateway series registered.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "chat_requests_total",
			Help:      "Total number of chat requests",
		},
		[]string{"tenant", "agent", "status"},
	)

	e.chatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "querygate",
			Name:      "chat_latency_seconds",
			Help:      "Chat request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"tenant", "agent"},
	)

	e.chatActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "querygate",
			Name:      "chat_active",
			Help:      "Number of chat requests in flight",
		},
	)

	e.sqlExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "sql_executed_total",
			Help:      "Total number of generated queries executed",
		},
		[]string{"tenant"},
	)

	e.sqlRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "sql_rejected_total",
			Help:      "Total number of generated queries rejected by the safety gate",
		},
		[]string{"tenant", "rule"},
	)

	e.schemaRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "schema_refresh_total",
			Help:      "Total number of schema snapshot refreshes",
		},
		[]string{"tenant", "result"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"tenant", "kind"},
	)

	e.agentFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "querygate",
			Name:      "agent_fallbacks_total",
			Help:      "Total number of dispatches rerouted to another agent",
		},
		[]string{"tenant", "from", "to"},
	)

	e.poolOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "querygate",
			Name:      "db_pool_open",
			Help:      "Open connections in the tenant database pool",
		},
		[]string{"tenant"},
	)

	registry.MustRegister(
		e.chatRequests,
		e.chatLatency,
		e.chatActive,
		e.sqlExecuted,
		e.sqlRejected,
		e.schemaRefresh,
		e.llmTokens,
		e.agentFallbacks,
		e.poolOpen,
	)

	return e
}

// RecordChatRequest records a completed chat request.
func (e *Exporter) RecordChatRequest(tenant, agent, status string, latency time.Duration) {
	e.chatRequests.WithLabelValues(tenant, agent, status).Inc()
	e.chatLatency.WithLabelValues(tenant, agent).Observe(latency.Seconds())
}

// ChatStarted marks a request in flight. The returned func marks it done.
func (e *Exporter) ChatStarted() func() {
	e.chatActive.Inc()
	return e.chatActive.Dec
}

// RecordSQLExecuted records an executed generated query.
func (e *Exporter) RecordSQLExecuted(tenant string) {
	e.sqlExecuted.WithLabelValues(tenant).Inc()
}

// RecordSQLRejected records a safety gate rejection and the rule that fired.
func (e *Exporter) RecordSQLRejected(tenant, rule string) {
	e.sqlRejected.WithLabelValues(tenant, rule).Inc()
}

// RecordSchemaRefresh records a schema snapshot refresh attempt.
func (e *Exporter) RecordSchemaRefresh(tenant string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	e.schemaRefresh.WithLabelValues(tenant, result).Inc()
}

// RecordLLMTokens records LLM token usage for a tenant.
func (e *Exporter) RecordLLMTokens(tenant, kind string, count int) {
	if count <= 0 {
		return
	}
	e.llmTokens.WithLabelValues(tenant, kind).Add(float64(count))
}

// RecordAgentFallback records a dispatch rerouted from one agent to another.
func (e *Exporter) RecordAgentFallback(tenant, from, to string) {
	e.agentFallbacks.WithLabelValues(tenant, from, to).Inc()
}

// SetPoolOpen sets the open connection count for a tenant pool.
func (e *Exporter) SetPoolOpen(tenant string, open int) {
	e.poolOpen.WithLabelValues(tenant).Set(float64(open))
}

// DropTenant removes per-tenant series after a tenant leaves the config.
func (e *Exporter) DropTenant(tenant string) {
	e.poolOpen.DeleteLabelValues(tenant)
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}
