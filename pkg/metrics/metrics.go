// Package metrics exposes Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Trading metrics
	positionsIncreased prometheus.Counter
	positionsDecreased prometheus.Counter
	liquidations       prometheus.Counter
	swapsExecuted      prometheus.Counter

	// Queue metrics
	requestsSubmitted *prometheus.CounterVec
	requestsExecuted  *prometheus.CounterVec
	requestsCancelled *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec

	// Pool metrics
	poolAmount    *prometheus.GaugeVec
	reservedRatio *prometheus.GaugeVec
}

// New creates the metric set under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    log.Root().New("module", "metrics"),

		positionsIncreased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_increased_total",
			Help:      "Total number of position increases",
		}),
		positionsDecreased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_decreased_total",
			Help:      "Total number of position decreases",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of liquidations",
		}),
		swapsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total number of pool swaps, mints and redemptions",
		}),
		requestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_requests_submitted_total",
			Help:      "Requests submitted per queue",
		}, []string{"queue"}),
		requestsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_requests_executed_total",
			Help:      "Requests executed per queue",
		}, []string{"queue"}),
		requestsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_requests_cancelled_total",
			Help:      "Requests cancelled per queue and reason",
		}, []string{"queue", "reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending requests per queue",
		}, []string{"queue"}),
		poolAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Pooled amount per asset in native units",
		}, []string{"asset"}),
		reservedRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_reserved_ratio",
			Help:      "Reserved / pooled utilization per asset",
		}, []string{"asset"}),
	}

	registry.MustRegister(
		m.positionsIncreased,
		m.positionsDecreased,
		m.liquidations,
		m.swapsExecuted,
		m.requestsSubmitted,
		m.requestsExecuted,
		m.requestsCancelled,
		m.queueDepth,
		m.poolAmount,
		m.reservedRatio,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PositionIncreased counts a position increase.
func (m *Metrics) PositionIncreased() { m.positionsIncreased.Inc() }

// PositionDecreased counts a position decrease or close.
func (m *Metrics) PositionDecreased() { m.positionsDecreased.Inc() }

// Liquidation counts a liquidation.
func (m *Metrics) Liquidation() { m.liquidations.Inc() }

// SwapExecuted counts a swap, mint or redemption.
func (m *Metrics) SwapExecuted() { m.swapsExecuted.Inc() }

// RequestSubmitted counts a queue submission.
func (m *Metrics) RequestSubmitted(queue string) {
	m.requestsSubmitted.WithLabelValues(queue).Inc()
}

// RequestExecuted counts a queue execution.
func (m *Metrics) RequestExecuted(queue string) {
	m.requestsExecuted.WithLabelValues(queue).Inc()
}

// RequestCancelled counts a queue cancellation with its reason.
func (m *Metrics) RequestCancelled(queue, reason string) {
	m.requestsCancelled.WithLabelValues(queue, reason).Inc()
}

// SetQueueDepth records the pending count for a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetPoolAmount records an asset's pooled amount.
func (m *Metrics) SetPoolAmount(asset string, amount float64) {
	m.poolAmount.WithLabelValues(asset).Set(amount)
}

// SetReservedRatio records an asset's utilization.
func (m *Metrics) SetReservedRatio(asset string, ratio float64) {
	m.reservedRatio.WithLabelValues(asset).Set(ratio)
}
