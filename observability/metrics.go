package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	tandaMetricsOnce sync.Once
	tandaRegistry    *TandaMetrics

	relayerMetricsOnce sync.Once
	relayerRegistry    *RelayerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tanda",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// TandaMetrics tracks the tanda engine: operations, lifecycle transitions and
// value leaving the pools.
type TandaMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	refunds     prometheus.Counter
}

// Tanda exposes the metrics registry for the tanda engine.
func Tanda() *TandaMetrics {
	tandaMetricsOnce.Do(func() {
		tandaRegistry = &TandaMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and result code.",
			}, []string{"operation", "result"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tanda",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "engine",
				Name:      "phase_transitions_total",
				Help:      "Lifecycle transitions segmented by the phase entered.",
			}, []string{"phase"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "engine",
				Name:      "payouts_total",
				Help:      "Round payouts segmented by withdrawal route.",
			}, []string{"route"}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "engine",
				Name:      "guarantee_refunds_total",
				Help:      "Guarantee refunds paid during settlement.",
			}),
		}
		prometheus.MustRegister(
			tandaRegistry.operations,
			tandaRegistry.latency,
			tandaRegistry.transitions,
			tandaRegistry.payouts,
			tandaRegistry.refunds,
		)
	})
	return tandaRegistry
}

// ObserveOperation records one engine call. result is "ok" or the stable
// error code.
func (m *TandaMetrics) ObserveOperation(operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordTransition counts a phase being entered.
func (m *TandaMetrics) RecordTransition(phase string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(phase).Inc()
}

// RecordPayout counts a payout by route.
func (m *TandaMetrics) RecordPayout(route string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(strings.ToLower(route)).Inc()
}

// RecordRefunds adds settled guarantee refunds.
func (m *TandaMetrics) RecordRefunds(n uint64) {
	if m == nil {
		return
	}
	m.refunds.Add(float64(n))
}

// RelayerMetrics wraps collectors tracking fiat settlement health.
type RelayerMetrics struct {
	settlements    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	capRemaining   *prometheus.GaugeVec
	capUtilization *prometheus.GaugeVec
	errors         *prometheus.CounterVec
	pauseEngaged   prometheus.Gauge
}

// Relayer exposes the metrics registry for the settlement relayer.
func Relayer() *RelayerMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "settlements_total",
				Help:      "Completed fiat settlements segmented by vault.",
			}, []string{"vault"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "settlement_latency_seconds",
				Help:      "Latency distribution for completed settlements.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"vault"}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "cap_remaining",
				Help:      "Remaining daily cap per vault in base units.",
			}, []string{"vault"}),
			capUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "cap_utilization",
				Help:      "Ratio of consumed cap for the current window (0-1).",
			}, []string{"vault"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by vault and reason.",
			}, []string{"vault", "reason"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tanda",
				Subsystem: "relayer",
				Name:      "pause_engaged",
				Help:      "Indicates whether the relayer pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			relayerRegistry.settlements,
			relayerRegistry.latency,
			relayerRegistry.capRemaining,
			relayerRegistry.capUtilization,
			relayerRegistry.errors,
			relayerRegistry.pauseEngaged,
		)
	})
	return relayerRegistry
}

// ObserveSettlement records a completed settlement.
func (m *RelayerMetrics) ObserveSettlement(vault string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelVault(vault)
	m.settlements.WithLabelValues(label).Inc()
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordCap updates the remaining cap and utilisation gauge for a vault.
func (m *RelayerMetrics) RecordCap(vault string, remaining, total *big.Int) {
	if m == nil {
		return
	}
	label := labelVault(vault)
	remainingVal := bigToFloat(remaining)
	m.capRemaining.WithLabelValues(label).Set(remainingVal)
	totalVal := bigToFloat(total)
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.WithLabelValues(label).Set(utilisation)
}

// RecordError increments the error counter for the supplied reason.
func (m *RelayerMetrics) RecordError(vault, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelVault(vault), reason).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *RelayerMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelVault(vault string) string {
	trimmed := strings.ToLower(strings.TrimSpace(vault))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
