package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type dealMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	open        prometheus.Gauge
}

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	replays   prometheus.Counter
}

var (
	dealMetricsOnce sync.Once
	dealRegistry    *dealMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics
)

// Deals returns the lazily-initialised registry recording deal transitions.
func Deals() *dealMetrics {
	dealMetricsOnce.Do(func() {
		dealRegistry = &dealMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Deal transitions segmented by operation, outcome and error code.",
			}, []string{"operation", "outcome", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deal",
				Subsystem: "engine",
				Name:      "transition_duration_seconds",
				Help:      "Latency distribution of deal transitions including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			open: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deal",
				Subsystem: "engine",
				Name:      "open_deals",
				Help:      "Deals initialised and not yet finished or cancelled by this process.",
			}),
		}
		prometheus.MustRegister(
			dealRegistry.transitions,
			dealRegistry.latency,
			dealRegistry.open,
		)
	})
	return dealRegistry
}

// Observe records the outcome of one transition. code is empty on success.
func (m *dealMetrics) Observe(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if code != "" {
		outcome = "error"
	}
	m.transitions.WithLabelValues(operation, outcome, code).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// DealOpened increments the open deal gauge.
func (m *dealMetrics) DealOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

// DealClosed decrements the open deal gauge.
func (m *dealMetrics) DealClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}

// Gateway returns the registry for the deal gateway HTTP surface.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Gateway requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deal",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Gateway requests rejected by throttling policies.",
			}, []string{"reason"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Responses served from the idempotency store.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
			gatewayRegistry.replays,
		)
	})
	return gatewayRegistry
}

// Observe records a finished HTTP request.
func (m *gatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "stale_timestamp".
func (m *gatewayMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RecordReplay counts a response replayed for a repeated idempotency key.
func (m *gatewayMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
