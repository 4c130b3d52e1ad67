// Package metrics holds the Prometheus collectors for ward. All recording
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Metrics holds all collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	// --- Intake ---
	DefaultsReceived  *prometheus.CounterVec
	DefaultsProcessed *prometheus.CounterVec
	IntakeDuration    prometheus.Histogram
	IntakeQueueDepth  prometheus.Gauge

	// --- Claims ---
	ClaimValidations *prometheus.CounterVec
	ClaimPayouts     prometheus.Counter

	// --- Escrows ---
	EscrowTransitions *prometheus.CounterVec
	EscrowsOpen       prometheus.Gauge

	// --- Pools ---
	PoolAvailable     *prometheus.GaugeVec
	PoolExposure      *prometheus.GaugeVec
	PoolCoverageRatio *prometheus.GaugeVec
	PoolRejections    *prometheus.CounterVec

	// --- Pricing ---
	Quotes *prometheus.CounterVec

	// --- Ledger ---
	LedgerRequests *prometheus.CounterVec
	LedgerDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		DefaultsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_defaults_received_total",
			Help: "Default events received from event sources",
		}, []string{"source"}),

		DefaultsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_defaults_processed_total",
			Help: "Default events by intake result",
		}, []string{"result"}),

		IntakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ward_intake_duration_seconds",
			Help:    "Time to process one default event",
			Buckets: prometheus.DefBuckets,
		}),

		IntakeQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ward_intake_queue_depth",
			Help: "Default events buffered ahead of the intake loop",
		}),

		ClaimValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_claim_validations_total",
			Help: "Claim validations by outcome",
		}, []string{"outcome"}),

		ClaimPayouts: f.NewCounter(prometheus.CounterOpts{
			Name: "ward_claim_payout_drops_total",
			Help: "Drops paid out through finished escrows",
		}),

		EscrowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_escrow_transitions_total",
			Help: "Escrow create/finish/cancel attempts by result",
		}, []string{"action", "outcome"}),

		EscrowsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "ward_escrows_open",
			Help: "Escrows neither finished nor cancelled, as last seen by the sweeper",
		}),

		PoolAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_available_capital_drops",
			Help: "Pool available capital",
		}, []string{"pool_id"}),

		PoolExposure: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_exposure_drops",
			Help: "Pool total exposure",
		}, []string{"pool_id"}),

		PoolCoverageRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ward_pool_coverage_ratio",
			Help: "Pool available capital over exposure (0 when no exposure)",
		}, []string{"pool_id"}),

		PoolRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_pool_rejections_total",
			Help: "Pool mutations rejected by the capital ledger",
		}, []string{"operation"}),

		Quotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_premium_quotes_total",
			Help: "Premium quotes by risk tier",
		}, []string{"tier"}),

		LedgerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ward_ledger_requests_total",
			Help: "Ledger reader/writer calls by method and outcome",
		}, []string{"method", "outcome"}),

		LedgerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ward_ledger_request_duration_seconds",
			Help:    "Ledger call latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) DefaultReceived(source string) {
	if m == nil {
		return
	}
	m.DefaultsReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) DefaultProcessed(result string, started time.Time) {
	if m == nil {
		return
	}
	m.DefaultsProcessed.WithLabelValues(result).Inc()
	m.IntakeDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.IntakeQueueDepth.Set(float64(n))
}

func (m *Metrics) ClaimValidated(outcome domain.Outcome) {
	if m == nil {
		return
	}
	m.ClaimValidations.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) Escrow(action string, err error) {
	if m == nil {
		return
	}
	m.EscrowTransitions.WithLabelValues(action, string(domain.Classify(err))).Inc()
}

func (m *Metrics) Payout(amount int64) {
	if m == nil {
		return
	}
	m.ClaimPayouts.Add(float64(amount))
}

func (m *Metrics) OpenEscrows(n int) {
	if m == nil {
		return
	}
	m.EscrowsOpen.Set(float64(n))
}

// Pool records the gauges for a pool's latest state.
func (m *Metrics) Pool(p domain.PoolMetrics) {
	if m == nil {
		return
	}
	m.PoolAvailable.WithLabelValues(p.PoolID).Set(float64(p.AvailableCapital))
	m.PoolExposure.WithLabelValues(p.PoolID).Set(float64(p.TotalExposure))
	m.PoolCoverageRatio.WithLabelValues(p.PoolID).Set(p.CoverageRatio)
}

func (m *Metrics) PoolRejected(op string) {
	if m == nil {
		return
	}
	m.PoolRejections.WithLabelValues(op).Inc()
}

func (m *Metrics) Quote(tier string) {
	if m == nil {
		return
	}
	m.Quotes.WithLabelValues(tier).Inc()
}

// Ledger records one ledger call.
func (m *Metrics) Ledger(method string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.LedgerRequests.WithLabelValues(method, string(domain.Classify(err))).Inc()
	m.LedgerDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
