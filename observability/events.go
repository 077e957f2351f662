package observability

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks calls made to the ledger node.
type LedgerMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the metrics registry for ledger RPC traffic.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "basket",
				Subsystem: "ledger",
				Name:      "rpc_calls_total",
				Help:      "Count of ledger RPC calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "basket",
				Subsystem: "ledger",
				Name:      "rpc_duration_seconds",
				Help:      "Latency distribution for ledger RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(ledgerRegistry.calls, ledgerRegistry.latency)
	})
	return ledgerRegistry
}

// ObserveCall records one RPC round trip. Deadline overruns are counted
// apart from other failures since they leave the ledger outcome unknown.
func (m *LedgerMetrics) ObserveCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	method = strings.TrimPrefix(label(method), "ledger_")
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}
