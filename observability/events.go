package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tandachain/core/events"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed notifications.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed notifications segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tanda",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Connected notification stream subscribers.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tanda",
				Subsystem: "events",
				Name:      "stream_dropped_total",
				Help:      "Notifications dropped because a subscriber fell behind.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.subscribers, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// SetSubscribers reports the live subscriber count.
func (m *eventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// RecordDrop counts a notification a subscriber did not receive.
func (m *eventMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// EventCounter is an emitter that only counts what passes through it.
type EventCounter struct{}

// Emit implements events.Emitter.
func (EventCounter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
}
