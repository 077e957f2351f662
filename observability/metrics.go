package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	basketMetricsOnce sync.Once
	basketRegistry    *BasketMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// BasketMetrics bundles collectors describing mint and burn saga execution.
type BasketMetrics struct {
	sagas     *prometheus.CounterVec
	sagaTime  *prometheus.HistogramVec
	steps     *prometheus.CounterVec
	stepTime  *prometheus.HistogramVec
	critical  *prometheus.CounterVec
	lockWaits *prometheus.HistogramVec
	open      prometheus.Gauge
}

// Basket returns the lazily-initialised saga metrics registry.
func Basket() *BasketMetrics {
	basketMetricsOnce.Do(func() {
		basketRegistry = &BasketMetrics{
			sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "outcomes_total",
				Help:      "Count of mint and burn sagas segmented by kind and terminal state.",
			}, []string{"kind", "state"}),
			sagaTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "duration_seconds",
				Help:      "End to end saga latency including the per-token queue wait.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			steps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "steps_total",
				Help:      "Count of ledger steps segmented by kind, step and outcome.",
			}, []string{"kind", "step", "outcome"}),
			stepTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "step_duration_seconds",
				Help:      "Latency distribution for individual ledger steps.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "step"}),
			critical: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "critical_total",
				Help:      "Count of sagas parked in the critical state, segmented by the failing step.",
			}, []string{"kind", "step"}),
			lockWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "basket",
				Subsystem: "saga",
				Name:      "token_lock_wait_seconds",
				Help:      "Time spent waiting for the per-token execution lock.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			open: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "basket",
				Subsystem: "recon",
				Name:      "unresolved_critical",
				Help:      "Critical sagas awaiting operator resolution at the last sweep.",
			}),
		}
		prometheus.MustRegister(
			basketRegistry.sagas,
			basketRegistry.sagaTime,
			basketRegistry.steps,
			basketRegistry.stepTime,
			basketRegistry.critical,
			basketRegistry.lockWaits,
			basketRegistry.open,
		)
	})
	return basketRegistry
}

// ObserveSaga records the terminal state of a saga.
func (m *BasketMetrics) ObserveSaga(kind, state string, duration time.Duration) {
	if m == nil {
		return
	}
	kind = label(kind)
	m.sagas.WithLabelValues(kind, label(state)).Inc()
	m.sagaTime.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveStep records a single ledger step.
func (m *BasketMetrics) ObserveStep(kind, step string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	kind = label(kind)
	step = label(step)
	m.steps.WithLabelValues(kind, step, outcome).Inc()
	m.stepTime.WithLabelValues(kind, step).Observe(duration.Seconds())
}

// RecordCritical increments the critical saga counter.
func (m *BasketMetrics) RecordCritical(kind, step string) {
	if m == nil {
		return
	}
	m.critical.WithLabelValues(label(kind), label(step)).Inc()
}

// SetUnresolvedCritical publishes the number of open critical sagas.
func (m *BasketMetrics) SetUnresolvedCritical(n int) {
	if m == nil {
		return
	}
	m.open.Set(float64(n))
}

// ObserveLockWait records how long a saga queued behind another on the same token.
func (m *BasketMetrics) ObserveLockWait(kind string, wait time.Duration) {
	if m == nil {
		return
	}
	if wait < 0 {
		wait = 0
	}
	m.lockWaits.WithLabelValues(label(kind)).Observe(wait.Seconds())
}

// OracleMetrics captures price oracle cache behaviour.
type OracleMetrics struct {
	resolutions *prometheus.CounterVec
	upstream    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	age         *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the price oracle cache.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "oracle",
				Name:      "resolutions_total",
				Help:      "Count of price lookups segmented by symbol and the tier that served them.",
			}, []string{"symbol", "tier"}),
			upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "oracle",
				Name:      "upstream_requests_total",
				Help:      "Count of upstream price feed calls segmented by feed and outcome.",
			}, []string{"feed", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "basket",
				Subsystem: "oracle",
				Name:      "upstream_duration_seconds",
				Help:      "Latency distribution for upstream price feed calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"feed"}),
			age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "basket",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the quote most recently served for a symbol.",
			}, []string{"symbol"}),
		}
		prometheus.MustRegister(
			oracleRegistry.resolutions,
			oracleRegistry.upstream,
			oracleRegistry.latency,
			oracleRegistry.age,
		)
	})
	return oracleRegistry
}

// ObserveResolution records which tier served a lookup and the age of the quote.
func (m *OracleMetrics) ObserveResolution(symbol, tier string, age time.Duration) {
	if m == nil {
		return
	}
	symbol = label(symbol)
	m.resolutions.WithLabelValues(symbol, label(tier)).Inc()
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.age.WithLabelValues(symbol).Set(seconds)
}

// ObserveUpstream records an upstream feed call. Outcome should be one of
// success, error or rate_limited.
func (m *OracleMetrics) ObserveUpstream(feed, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	feed = label(feed)
	m.upstream.WithLabelValues(feed, label(outcome)).Inc()
	m.latency.WithLabelValues(feed).Observe(duration.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
