package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events    *prometheus.CounterVec
	movements *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted deal events and the
// value movements behind them.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of deal events segmented by type.",
			}, []string{"type"}),
			movements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deal",
				Subsystem: "events",
				Name:      "movements_total",
				Help:      "Count of ledger transfers performed by deal transitions segmented by asset and purpose.",
			}, []string{"asset", "purpose"}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.movements)
	})
	return eventRegistry
}

// RecordEvent increments the counter for an emitted event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// RecordMovement increments the movement counter for the supplied asset ticker.
func (m *eventMetrics) RecordMovement(asset, purpose string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.movements.WithLabelValues(normalized, purpose).Inc()
}
