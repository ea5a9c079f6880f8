// Package metrics holds the Prometheus collectors shared by the tracking
// endpoints and the dispatcher.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailtrack"

// Outcome labels for tracked events.
const (
	OutcomeRecorded = "recorded"
	OutcomeInvalid  = "invalid"
	OutcomeBlocked  = "blocked"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	events        *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	messages      *prometheus.CounterVec
	batches       prometheus.Counter
	batchDuration prometheus.Histogram
}

// MustNew registers the collectors with reg, reusing collectors another
// instance already registered. A nil reg uses the default registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		events: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "events_total",
			Help:      "Tracking requests by event type and outcome.",
		}, []string{"type", "outcome"})),
		sinkFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "sink_failures_total",
			Help:      "Events that could not be handed to the event sink.",
		}, []string{"type"})),
		messages: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages handed to the transport, by result.",
		}, []string{"result"})),
		batches: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batches_total",
			Help:      "Dispatch batches completed.",
		})),
		batchDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_duration_seconds",
			Help:      "Wall time spent sending one batch.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Event counts one tracking request.
func (m *Metrics) Event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

// SinkFailure counts an event that was accepted but not stored.
func (m *Metrics) SinkFailure(eventType string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(eventType).Inc()
}

// Message counts one send attempt; result is "sent" or "failed".
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Batch records a finished batch.
func (m *Metrics) Batch(d time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchDuration.Observe(d.Seconds())
}
