package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics counts domain events handed to the configured emitter.
type EventMetrics struct {
	published *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking published domain events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Domain events handed to the emitter segmented by type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.published)
	})
	return eventRegistry
}

// RecordPublished counts one emitted event. ok=false marks a delivery failure.
func (m *EventMetrics) RecordPublished(eventType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized, outcome).Inc()
}
