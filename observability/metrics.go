package observability

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// SpinMetrics tracks escrow activity: catalogue deposits, spins and releases.
type SpinMetrics struct {
	deposits       *prometheus.CounterVec
	depositedUnits *prometheus.CounterVec
	orphanedUnits  *prometheus.CounterVec
	spins          *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	settledUnits   *prometheus.CounterVec
	failures       *prometheus.CounterVec
	catalogueSize  prometheus.Gauge
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	spinMetricsOnce sync.Once
	spinRegistry    *SpinMetrics
)

// HTTP returns the lazily-initialised metrics registry used to record spind
// request handling.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "spinwin",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// Spin returns the escrow metrics registry.
func Spin() *SpinMetrics {
	spinMetricsOnce.Do(func() {
		spinRegistry = &SpinMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "vault",
				Name:      "deposits_total",
				Help:      "Catalogue deposits accepted into the vault, by mint.",
			}, []string{"mint"}),
			depositedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "vault",
				Name:      "deposited_units_total",
				Help:      "Units moved into vault custody, by mint.",
			}, []string{"mint"}),
			orphanedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "vault",
				Name:      "orphaned_units_total",
				Help:      "Units left in custody by overwritten catalogue entries, by mint.",
			}, []string{"mint"}),
			spins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "session",
				Name:      "spins_total",
				Help:      "Recorded spins segmented by selected catalogue index.",
			}, []string{"index"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "session",
				Name:      "settlements_total",
				Help:      "Rewards released to winners, by mint and reward kind.",
			}, []string{"mint", "kind"}),
			settledUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "session",
				Name:      "settled_units_total",
				Help:      "Units released out of custody, by mint.",
			}, []string{"mint"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spinwin",
				Subsystem: "engine",
				Name:      "failures_total",
				Help:      "Rejected engine operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			catalogueSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "spinwin",
				Subsystem: "catalogue",
				Name:      "entries",
				Help:      "Number of populated catalogue entries.",
			}),
		}
		prometheus.MustRegister(
			spinRegistry.deposits,
			spinRegistry.depositedUnits,
			spinRegistry.orphanedUnits,
			spinRegistry.spins,
			spinRegistry.settlements,
			spinRegistry.settledUnits,
			spinRegistry.failures,
			spinRegistry.catalogueSize,
		)
	})
	return spinRegistry
}

// RecordDeposit counts a catalogue deposit of units of mint.
func (m *SpinMetrics) RecordDeposit(mint string, units uint64) {
	if m == nil {
		return
	}
	mint = normalizeMint(mint)
	m.deposits.WithLabelValues(mint).Inc()
	m.depositedUnits.WithLabelValues(mint).Add(float64(units))
}

// RecordOrphaned counts custody stranded by a slot overwrite.
func (m *SpinMetrics) RecordOrphaned(mint string, units uint64) {
	if m == nil || units == 0 {
		return
	}
	m.orphanedUnits.WithLabelValues(normalizeMint(mint)).Add(float64(units))
}

// RecordSpin counts a spin that selected index.
func (m *SpinMetrics) RecordSpin(index int) {
	if m == nil {
		return
	}
	m.spins.WithLabelValues(strconv.Itoa(index)).Inc()
}

// RecordSettlement counts a release of units of mint.
func (m *SpinMetrics) RecordSettlement(mint, kind string, units uint64) {
	if m == nil {
		return
	}
	mint = normalizeMint(mint)
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.settlements.WithLabelValues(mint, kind).Inc()
	m.settledUnits.WithLabelValues(mint).Add(float64(units))
}

// RecordFailure counts a rejected operation. Reasons should be stable strings
// such as "capacity_exceeded" or "transfer_failed".
func (m *SpinMetrics) RecordFailure(operation, reason string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(operation, reason).Inc()
}

// SetCatalogueSize reports the current number of catalogue entries.
func (m *SpinMetrics) SetCatalogueSize(n int) {
	if m == nil {
		return
	}
	m.catalogueSize.Set(float64(n))
}

func normalizeMint(mint string) string {
	normalized := strings.TrimSpace(strings.ToUpper(mint))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
