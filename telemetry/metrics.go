package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ═══════════════════════════════════════════════════════════════════════════
// Metrics: Prometheus collectors for the transaction engine
// ═══════════════════════════════════════════════════════════════════════════

// Metrics holds every collector on its own registry so tests can build as
// many instances as they like. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	transactions     *prometheus.CounterVec
	processorCalls   *prometheus.CounterVec
	processorLatency *prometheus.HistogramVec
	compensations    *prometheus.CounterVec
	replans          prometheus.Counter
	sweeperVoids     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "transactions_total",
			Help:      "Transaction requests by type and outcome (created, simulated, or the error message code).",
		}, []string{"type", "outcome"}),
		processorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "processor",
			Name:      "calls_total",
			Help:      "Card processor calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		processorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Subsystem: "processor",
			Name:      "call_duration_seconds",
			Help:      "Card processor call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "compensations_total",
			Help:      "Compensating actions by kind (refund, rollback) and outcome.",
		}, []string{"kind", "outcome"}),
		replans: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "replans_total",
			Help:      "Plans recomputed after balances moved between planning and locking.",
		}),
		sweeperVoids: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "sweeper",
			Name:      "voids_total",
			Help:      "Expired pending transactions processed by the sweeper, by outcome.",
		}, []string{"outcome"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledger",
			Subsystem: "processor",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TransactionOutcome(txType, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) ProcessorCall(op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.processorCalls.WithLabelValues(op, outcome).Inc()
	m.processorLatency.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) Compensation(kind, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Replanned() {
	if m == nil {
		return
	}
	m.replans.Inc()
}

func (m *Metrics) SweeperVoid(outcome string) {
	if m == nil {
		return
	}
	m.sweeperVoids.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}
